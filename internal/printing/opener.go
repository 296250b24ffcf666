package printing

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog/log"
)

// SystemPrinter opens the print target URL with the platform opener, handing
// the actual print dialog to whatever application claims the URL. This is
// the default Printer for the CLI.
type SystemPrinter struct{}

func (SystemPrinter) Print(ctx context.Context, fileURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", fileURL)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", fileURL)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", fileURL)
	}

	log.Debug().Str("os", runtime.GOOS).Msg("Opening print target")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open print target: %w", err)
	}
	// Detach: the opener process owns the viewer from here.
	go func() { _ = cmd.Wait() }()
	return nil
}
