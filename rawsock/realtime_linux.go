/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build linux

package rawsock

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// LockMemory locks the process's current and future pages into RAM
// (mlockall) to avoid page faults during real-time operation.
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("rawsock: mlockall: %w", err)
	}
	return nil
}

// PinDMALatency opens /dev/cpu_dma_latency and writes a zero byte,
// instructing the kernel to avoid deep C-states for the lifetime of the
// returned handle. Best-effort: failures are logged by the caller, not
// fatal to NetHandler creation.
func PinDMALatency() (*os.File, error) {
	f, err := os.OpenFile("/dev/cpu_dma_latency", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("rawsock: opening /dev/cpu_dma_latency: %w", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 0}); err != nil {
		f.Close()
		return nil, fmt.Errorf("rawsock: writing /dev/cpu_dma_latency: %w", err)
	}
	return f, nil
}

// WarnBestEffort logs a best-effort setup failure without aborting
// startup, for optional capability probing that should never block
// NetHandler creation.
func WarnBestEffort(step string, err error) {
	log.Warningf("rawsock: %s failed (continuing without it): %v", step, err)
}
