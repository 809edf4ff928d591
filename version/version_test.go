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

package version

import "testing"

func TestLooksLikeVersionNumber(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"1.0", true},
		{"2.19.1", true},
		{"latest", false},
		{"1.0-rc1", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := LooksLikeVersionNumber(tc.s); got != tc.want {
			t.Errorf("LooksLikeVersionNumber(%q): got %v, want %v", tc.s, got, tc.want)
		}
	}
}
