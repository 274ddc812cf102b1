package bufferhandler

import (
	"encoding/xml"
	"strings"
)

func xmlEscape(s string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
