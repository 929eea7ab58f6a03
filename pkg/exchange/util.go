/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package exchange

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// canCreateOnDevShm reports whether /dev/shm has room for size bytes.
// Paths outside /dev/shm always pass; tmpfs accounting doesn't apply there.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, "/dev/shm") {
		return true
	}
	stat, err := disk.Usage("/dev/shm")
	if err != nil {
		internalLogger.warnf("stat /dev/shm failed: %s", err.Error())
		return true
	}
	return stat.Free >= size
}

func align64(n uint64) uint64 {
	return (n + 63) &^ 63
}
