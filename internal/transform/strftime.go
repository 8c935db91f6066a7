package transform

import (
	"fmt"
	"strings"
	"time"
)

var strftimeCodes = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'e': "_2",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'f': "000000",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'j': "002",
	'z': "-0700",
	'Z': "MST",
	'%': "%",
}

var namedLayouts = map[string]string{
	"iso":      time.RFC3339,
	"iso8601":  time.RFC3339,
	"rfc3339":  time.RFC3339,
	"date":     "2006-01-02",
	"datetime": "2006-01-02 15:04:05",
}

// goLayout converts a strftime format into a Go time layout. Named
// layouts (iso, date, datetime) are accepted, and a format without '%' is
// taken as a Go layout already.
func goLayout(format string) (string, error) {
	if l, ok := namedLayouts[strings.ToLower(format)]; ok {
		return l, nil
	}
	if !strings.Contains(format, "%") {
		return format, nil
	}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("format %q ends with %%", format)
		}
		i++
		code, ok := strftimeCodes[format[i]]
		if !ok {
			return "", fmt.Errorf("format %q: unsupported directive %%%c", format, format[i])
		}
		b.WriteString(code)
	}
	return b.String(), nil
}
