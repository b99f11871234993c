package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// formatter colors a piece of output by meaning. Without color support it
// falls back to plain text plus an optional decoration.
type formatter struct {
	color  *color.Color
	prefix string
	suffix string
}

func (f formatter) Sprint(a ...any) string {
	text := fmt.Sprint(a...)
	if noColor() {
		return f.prefix + text + f.suffix
	}
	return f.color.Sprint(text)
}

func (f formatter) Sprintf(format string, a ...any) string {
	return f.Sprint(fmt.Sprintf(format, a...))
}

func noColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return color.NoColor
}

var (
	uiCode      = formatter{color.New(color.FgYellow), "`", "`"}
	uiPath      = formatter{color.New(color.FgYellow), "", ""}
	uiSuccess   = formatter{color.New(color.FgGreen), "", ""}
	uiError     = formatter{color.New(color.FgRed), "", ""}
	uiWarning   = formatter{color.New(color.FgYellow), "", ""}
	uiHighlight = formatter{color.New(color.FgCyan), "'", "'"}
	uiMuted     = formatter{color.New(color.FgHiBlack), "(", ")"}
	uiInfo      = formatter{color.New(color.FgBlue), "", ""}
)

func ensureNewline(s string) string {
	if s == "" || s[len(s)-1] == '\n' {
		return s
	}
	return s + "\n"
}
