package store

import (
	"strconv"
	"strings"
)

// itemTitle defaults blank titles to "Slide N" with N counted from 1.
func itemTitle(raw string, index int) string {
	if t := strings.TrimSpace(raw); t != "" {
		return t
	}
	return "Slide " + strconv.Itoa(index+1)
}
