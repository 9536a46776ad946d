package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

// Logo lines — Serial Keel ASCII wordmark.
var logoLines = [6]string{
	`  ____                 _       _   _  __           _ `,
	` / ___|  ___ _ __ __ _| | __  | |_| |/ /___  ___ | |`,
	` \___ \ / _ \ '__/ _` + "`" + ` | |/ /  | __| ' // _ \/ _ \| |`,
	`  ___) |  __/ | | (_| |   <   | |_| . \  __/  __/| |`,
	` |____/ \___|_|  \__,_|_|\_\   \__|_|\_\___|\___||_|`,
	`                                                      `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var servingArt = [6]string{
	`  ___            _             `,
	` / __| ___ _ ___(_)_ _  __ _   `,
	` \__ \/ -_) '_| | ' \/ _` + "`" + ` |  `,
	` |___/\___|_| |_|_||_\__, |  `,
	`                     |___/   `,
	`                              `,
}

var standaloneArt = [6]string{
	`  ___ _           _      _                  `,
	` / __| |_ __ _ _ _| |__ _| |___ _ _  __      `,
	` \__ \  _/ _` + "`" + ` | ' \ / _` + "`" + ` | / _ \ ' \/ _|    `,
	` |___/\__\__,_|_||_|\__,_|_\___/_||_\__|     `,
	`                                              `,
	`                                              `,
}

// PrintBanner prints the Serial Keel ASCII wordmark with mode-specific
// art appended to the right. Below the art it prints version and
// listen address. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "standalone":
		modeArt = &standaloneArt
		modeColor = yellow
	default: // serving
		modeArt = &servingArt
		modeColor = green
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	// Info line below the art.
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
