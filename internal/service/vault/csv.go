package vault

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"duck-adhoc/internal/domain"
)

// EncodeCSV renders a result as CSV: a header row from the columns, then one
// line per row. A field is quoted, with embedded quotes doubled, only when it
// contains a comma, a quote, or a line break. Every line ends in "\n".
func EncodeCSV(r domain.QueryResult) []byte {
	var buf bytes.Buffer
	writeCSVLine(&buf, r.Columns)

	fields := make([]string, len(r.Columns))
	for _, row := range r.Rows {
		for i := range fields {
			if i < len(row) {
				fields[i] = formatValue(row[i])
			} else {
				fields[i] = ""
			}
		}
		writeCSVLine(&buf, fields)
	}
	return buf.Bytes()
}

func writeCSVLine(buf *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if strings.ContainsAny(f, ",\"\n\r") {
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
			buf.WriteByte('"')
			continue
		}
		buf.WriteString(f)
	}
	buf.WriteByte('\n')
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
