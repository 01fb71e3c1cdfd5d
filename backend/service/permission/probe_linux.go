//go:build linux

package permission

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
)

const capNetAdmin = 12

// probeNetAdmin 读取 /proc/self/status 的 CapEff
func probeNetAdmin() error {
	if os.Geteuid() == 0 {
		return nil
	}
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return err
	}
	mask, err := parseCapEff(data)
	if err != nil {
		return err
	}
	if mask&(1<<capNetAdmin) == 0 {
		return errors.New("missing cap_net_admin")
	}
	return nil
}

func parseCapEff(status []byte) (uint64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("CapEff:")) {
			continue
		}
		raw := string(bytes.TrimSpace(line[len("CapEff:"):]))
		mask, err := strconv.ParseUint(raw, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse CapEff %q: %w", raw, err)
		}
		return mask, nil
	}
	return 0, errors.New("CapEff not found")
}
