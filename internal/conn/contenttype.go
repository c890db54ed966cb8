package conn

import "strings"

// contentType maps a resolved filename's extension to a Content-Type value.
// The original hardcodes text/html for every response; per-extension
// detection is the one deliberate deviation from that wire format.
func contentType(filename string) string {
	dot := strings.LastIndexByte(filename, '.')
	if dot < 0 || dot == len(filename)-1 {
		return "application/octet-stream"
	}
	switch strings.ToLower(filename[dot+1:]) {
	case "html", "htm":
		return "text/html"
	case "txt":
		return "text/plain"
	case "css":
		return "text/css"
	case "js":
		return "application/javascript"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
