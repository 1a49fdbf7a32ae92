package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errPickerCancelled = errors.New("device selection cancelled")

type picker struct {
	devices []DeviceInfo
	cursor  int
}

type pickerResult int

const (
	pickerContinue pickerResult = iota
	pickerChosen
	pickerCancelled
)

// key applies one raw terminal read to the cursor.
func (p *picker) key(buf []byte) pickerResult {
	switch {
	case len(buf) == 1:
		switch buf[0] {
		case '\r', '\n':
			return pickerChosen
		case 3, 'q': // Ctrl+C
			return pickerCancelled
		case 'j':
			p.move(1)
		case 'k':
			p.move(-1)
		}
	case len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[':
		switch buf[2] {
		case 'A':
			p.move(-1)
		case 'B':
			p.move(1)
		}
	}
	return pickerContinue
}

func (p *picker) move(d int) {
	p.cursor = max(0, min(len(p.devices)-1, p.cursor+d))
}

func (p *picker) render(w io.Writer) {
	var b strings.Builder
	b.WriteString("\r\x1b[J")
	b.WriteString("Select microphone (↑/↓, Enter to confirm):\r\n\r\n")
	for i, d := range p.devices {
		btTag := ""
		if IsBluetooth(d.Name) {
			btTag = " \x1b[33m[⚠ headset mic, lower quality]\x1b[0m"
		}
		if i == p.cursor {
			fmt.Fprintf(&b, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, btTag)
		} else {
			fmt.Fprintf(&b, "    %s%s\r\n", d.Name, btTag)
		}
	}
	io.WriteString(w, b.String())
}

// SelectDevice presents an interactive device picker and returns the selected device.
// If only one device is available, it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, ErrDeviceUnavailable
	}

	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := &picker{devices: devices}
	p.render(os.Stdout)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		switch p.key(buf[:n]) {
		case pickerChosen:
			fmt.Print("\r\n")
			return &devices[p.cursor], nil
		case pickerCancelled:
			fmt.Print("\r\n")
			return nil, errPickerCancelled
		}

		fmt.Printf("\x1b[%dA", len(devices)+2)
		p.render(os.Stdout)
	}
}
