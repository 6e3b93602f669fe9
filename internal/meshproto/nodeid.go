package meshproto

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatNodeID renders a node id in the conventional "!hex" form.
func FormatNodeID(id uint32) string {
	return fmt.Sprintf("!%08x", id)
}

// ParseNodeID accepts "!deadbeef", "deadbeef", or "0xdeadbeef".
func ParseNodeID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "!")
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad node id %q: %w", s, err)
	}
	return uint32(v), nil
}
