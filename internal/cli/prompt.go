package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// fillProfile prompts for every field the profile is missing. Keys are
// read without echo when stdin is a terminal.
func fillProfile(p *Profile, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	tty := in == io.Reader(os.Stdin) && term.IsTerminal(int(os.Stdin.Fd()))

	fields := []struct {
		label  string
		dst    *string
		secret bool
		def    string
	}{
		{"Server URL", &p.BaseURL, false, defaultBaseURL},
		{"Stream URL", &p.StreamURL, false, defaultStreamURL},
		{"User id", &p.UserID, false, ""},
		{"Display name", &p.UserName, false, ""},
		{"Frontend API key", &p.APIKey, true, ""},
		{"Backend API key (blank to paste a signature instead)", &p.BackendKey, true, ""},
	}
	for _, f := range fields {
		if *f.dst != "" {
			continue
		}
		v, err := promptValue(reader, out, f.label, f.def, f.secret && tty)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", strings.ToLower(f.label), err)
		}
		*f.dst = v
	}
	if p.BackendKey == "" && p.Signature == "" {
		v, err := promptValue(reader, out, "User signature", "", tty)
		if err != nil {
			return fmt.Errorf("failed to read signature: %w", err)
		}
		p.Signature = v
	}
	return nil
}

// promptValue reads one line, without echo when masked is set.
func promptValue(reader *bufio.Reader, out io.Writer, label, def string, masked bool) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}

	var line string
	if masked {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		line = string(b)
	} else {
		s, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || s == "") {
			return "", err
		}
		line = s
	}

	v := strings.TrimSpace(line)
	if v == "" {
		v = def
	}
	return v, nil
}
