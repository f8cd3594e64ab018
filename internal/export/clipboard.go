package export

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/atotto/clipboard"

	appLog "hrslots/internal/log"
)

// CopyResult tells the caller where the text ended up.
type CopyResult struct {
	// Fallback is true when the platform clipboard was unavailable and the
	// text was written out for manual selection instead.
	Fallback bool
}

// Copier writes text to the system clipboard, falling back to printing the
// text when no clipboard is reachable (headless hosts, SSH sessions).
type Copier struct {
	fallback io.Writer
	write    func(string) error
}

// NewCopier returns a Copier using the platform clipboard. A nil fallback
// writer means stdout.
func NewCopier(fallback io.Writer) *Copier {
	if fallback == nil {
		fallback = os.Stdout
	}
	return &Copier{
		fallback: fallback,
		write:    writeClipboard,
	}
}

func writeClipboard(text string) error {
	if clipboard.Unsupported {
		return errors.New("clipboard: unsupported on this platform")
	}
	return clipboard.WriteAll(text)
}

// Copy puts text on the clipboard. Empty text is ErrNothingToCopy.
func (c *Copier) Copy(text string) (CopyResult, error) {
	if text == "" {
		return CopyResult{}, ErrNothingToCopy
	}

	err := c.write(text)
	if err == nil {
		appLog.Info("slots copied to clipboard", "bytes", len(text))
		return CopyResult{}, nil
	}

	appLog.Error("clipboard write failed; printing for manual copy", err)
	if _, werr := fmt.Fprintf(c.fallback, "%s\n", text); werr != nil {
		return CopyResult{Fallback: true}, fmt.Errorf("export: fallback write failed: %w", errors.Join(err, werr))
	}
	return CopyResult{Fallback: true}, nil
}
