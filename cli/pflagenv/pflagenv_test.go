//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package pflagenv

import (
	"os"
	"testing"

	"github.com/spf13/pflag"
)

func TestParseFlagSet(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)

	var fromCL, empty, fromEnv, def string
	fs.StringVar(&fromCL, "from-cl", "d1", "")
	fs.StringVar(&empty, "set-empty", "d2", "")
	fs.StringVar(&fromEnv, "from-env", "d3", "")
	fs.StringVar(&def, "untouched", "d4", "")
	fs.Parse([]string{"--from-cl=cl", "--set-empty="})

	os.Setenv("TEST_FROM_CL", "env1")
	os.Setenv("TEST_SET_EMPTY", "env2")
	os.Setenv("TEST_FROM_ENV", "env3")
	defer func() {
		os.Unsetenv("TEST_FROM_CL")
		os.Unsetenv("TEST_SET_EMPTY")
		os.Unsetenv("TEST_FROM_ENV")
	}()
	ParseFlagSet(fs, "TEST_")

	// Command-line values win, even an explicit empty one.
	if fromCL != "cl" {
		t.Errorf("got: %q, want: %q", fromCL, "cl")
	}
	if empty != "" {
		t.Errorf("got: %q, want: %q", empty, "")
	}
	if fromEnv != "env3" {
		t.Errorf("got: %q, want: %q", fromEnv, "env3")
	}
	if def != "d4" {
		t.Errorf("got: %q, want: %q", def, "d4")
	}
}
