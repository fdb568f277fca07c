package avif

import "fmt"

// diagMaxLen caps the stored diagnostic message.
const diagMaxLen = 1024

// diag holds one sticky diagnostic message. The first write wins so that the
// deepest failure context survives as the error unwinds.
type diag struct {
	msg string
}

func (d *diag) printf(format string, args ...any) {
	if d == nil || d.msg != "" {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if len(msg) > diagMaxLen {
		msg = msg[:diagMaxLen]
	}
	d.msg = msg
}

func (d *diag) clear() {
	if d != nil {
		d.msg = ""
	}
}
