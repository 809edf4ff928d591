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

// Package pflagenv fills in flags from the environment: a flag that
// was not given on the command line takes its value from the variable
// named after it (uppercased, dashes to underscores, with a prefix).
package pflagenv

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// ParseFlagSet applies the environment to all flags of fs that were
// not set on the command line. Must be called after fs.Parse: the flag
// package does not distinguish "set to the default" from "not set", so
// the set of changed flags is only known then.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		if v := os.Getenv(envName(f.Name, envPrefix)); v != "" {
			f.Value.Set(v)
			f.Changed = true
		}
	})
}

// Parse is ParseFlagSet on pflag.CommandLine.
func Parse(envPrefix string) {
	ParseFlagSet(pflag.CommandLine, envPrefix)
}

func envName(flagName, envPrefix string) string {
	return envPrefix + strings.Replace(strings.ToUpper(flagName), "-", "_", -1)
}
