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

package ptptime

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// phcDeviceForInterface resolves the /dev/ptp<n> device backing ifname via
// the ETHTOOL_GET_TS_INFO ioctl.
func phcDeviceForInterface(ifname string) (string, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(fd)

	info, err := unix.IoctlGetEthtoolTsInfo(fd, ifname)
	if err != nil {
		return "", fmt.Errorf("ETHTOOL_GET_TS_INFO on %s: %w", ifname, err)
	}
	if info.Phc_index < 0 {
		return "", fmt.Errorf("interface %s has no associated PHC", ifname)
	}
	return fmt.Sprintf("/dev/ptp%d", info.Phc_index), nil
}
