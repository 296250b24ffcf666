package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/secure-doc-viewer/internal/auth"
	"github.com/fpang/secure-doc-viewer/internal/config"
	"github.com/fpang/secure-doc-viewer/internal/docservice"
	"github.com/fpang/secure-doc-viewer/internal/generation"
	"github.com/fpang/secure-doc-viewer/internal/logging"
	"github.com/fpang/secure-doc-viewer/internal/notify"
	"github.com/fpang/secure-doc-viewer/internal/session"
	"github.com/fpang/secure-doc-viewer/internal/storage"
	"github.com/fpang/secure-doc-viewer/internal/workflow"
)

// CLI flags
var (
	urlFlag          string
	serviceFlag      string
	sessionTokenFlag string
	documentIDFlag   string
	documentTypeFlag string
	titleFlag        string
	remainingFlag    string
	maxPrintsFlag    string
	autoFlag         bool
	dialogsFlag      bool
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "docviewer",
	Short: "Protected document viewing session client",
	Long: `Docviewer drives a time-limited, quota-limited document viewing session
against the document service: it tracks server-side generation for vector
(svg) documents, obtains renderable preview URLs with retry-safe idempotency,
and performs quota-checked print authorizations.

Session parameters come either from a full viewer URL or from individual
flags; flags win field by field over the URL's query parameters.

Examples:
  docviewer --url "https://viewer.example.com/view?sessionToken=abc&documentId=d1&documentType=svg"
  docviewer --session-token abc --document-id d1 --document-type pdf --remaining-prints 3
  docviewer --url "$VIEWER_URL" --auto   # generate, preview, exit`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVar(&urlFlag, "url", "", "Full viewer URL carrying session query parameters")
	rootCmd.Flags().StringVar(&serviceFlag, "service", "", "Document service base URL (overrides config and env)")
	rootCmd.Flags().StringVar(&sessionTokenFlag, "session-token", "", "Session token (overrides URL)")
	rootCmd.Flags().StringVar(&documentIDFlag, "document-id", "", "Document identifier (overrides URL)")
	rootCmd.Flags().StringVar(&documentTypeFlag, "document-type", "", "Document type: pdf or svg (overrides URL)")
	rootCmd.Flags().StringVar(&titleFlag, "title", "", "Document title (overrides URL)")
	rootCmd.Flags().StringVar(&remainingFlag, "remaining-prints", "", "Initial remaining print count (overrides URL)")
	rootCmd.Flags().StringVar(&maxPrintsFlag, "max-prints", "", "Maximum print count (overrides URL)")
	rootCmd.Flags().BoolVar(&autoFlag, "auto", false, "Non-interactive: generate if needed, preview, then exit")
	rootCmd.Flags().BoolVar(&dialogsFlag, "native-dialogs", false, "Use native dialogs for confirmations and notifications")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runMain is the main execution logic called by Cobra.
func runMain(cmd *cobra.Command, args []string) {
	start := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if serviceFlag != "" {
		cfg.ServiceURL = serviceFlag
	}
	if dialogsFlag {
		cfg.NativeDialogs = true
	}

	token, err := auth.GetToken()
	if err != nil {
		// Preview and print will be rejected as "not authenticated"; the
		// session can still be inspected.
		log.Warn().Err(err).Msg("Continuing without API credential")
		token = ""
	}

	store := newStore()
	sess := resolveSession(store)

	client := docservice.NewClient(cfg.ServiceURL, token)
	ctl := workflow.New(sess, client, workflow.Options{
		Store:     store,
		Notifier:  newNotifier(cfg),
		Confirmer: newConfirmer(cfg),
	})
	defer ctl.Close()

	logging.NewStartupLogger("docviewer").
		Endpoint("documentService", cfg.ServiceURL).
		Feature("nativeDialogs", cfg.NativeDialogs).
		Feature("authenticated", token != "").
		Config("documentType", string(sess.DocumentType)).
		InitDuration(time.Since(start)).
		Log()

	if autoFlag {
		runAuto(ctl)
		return
	}
	runInteractive(ctl)
}

// newStore prefers the durable file store and degrades to in-memory.
func newStore() storage.Store {
	fs, err := storage.DefaultFileStore()
	if err != nil {
		log.Warn().Err(err).Msg("No durable client storage available, falling back to in-memory")
		return storage.NewMemoryStore()
	}
	return fs
}

// resolveSession builds the navigation payload from flags, parses the viewer
// URL's query, and resolves the session. No resolvable session token exits
// with guidance back to the upload entry point.
func resolveSession(store storage.Store) *session.Session {
	nav := &session.NavPayload{
		SessionToken:    sessionTokenFlag,
		DocumentID:      documentIDFlag,
		DocumentType:    documentTypeFlag,
		DocumentTitle:   titleFlag,
		RemainingPrints: remainingFlag,
		MaxPrints:       maxPrintsFlag,
	}

	query := url.Values{}
	if urlFlag != "" {
		u, err := url.Parse(urlFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid viewer URL")
		}
		query = u.Query()
	}

	sess, err := session.Resolve(nav, query, store)
	if errors.Is(err, session.ErrNoSession) {
		log.Error().Msg("No session token found in flags or URL")
		fmt.Fprintln(os.Stderr, "No viewing session. Upload a document first, then open its viewer link here.")
		os.Exit(1)
	}
	return sess
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.NativeDialogs {
		return notify.DialogNotifier{}
	}
	return notify.LogNotifier{}
}

func newConfirmer(cfg *config.Config) notify.Confirmer {
	if cfg.NativeDialogs {
		return notify.DialogConfirmer{}
	}
	return terminalConfirmer{}
}

// terminalConfirmer asks on stdin, the interactive default.
type terminalConfirmer struct{}

func (terminalConfirmer) Confirm(title, msg string) (bool, error) {
	fmt.Printf("%s: %s [y/N]: ", title, msg)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(input))
	return answer == "y" || answer == "yes", nil
}

// runAuto generates (vector documents), waits for a previewable state, then
// previews once and exits.
func runAuto(ctl *workflow.Controller) {
	ctx := context.Background()
	sess := ctl.Session()

	if sess.DocumentType == session.TypeSVG {
		if err := ctl.Generate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start generation")
		}
		waitForPreviewable(ctl)
	}

	fileURL, err := ctl.Preview(ctx)
	if errors.Is(err, docservice.ErrStillProcessing) {
		log.Warn().Msg("Document still processing, retry later")
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Preview failed")
	}
	fmt.Println(fileURL)
}

// waitForPreviewable blocks until generation reaches a terminal state or the
// polling run stops (timeout advisory).
func waitForPreviewable(ctl *workflow.Controller) {
	for {
		snap := ctl.Snapshot()
		if snap.Generation.Status.Terminal() || snap.Generation.TimedOut {
			if snap.Generation.Status == generation.StatusFailed {
				log.Fatal().Msg("Document generation failed")
			}
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// runInteractive drives the workflow from a terminal prompt loop.
func runInteractive(ctl *workflow.Controller) {
	ctx := context.Background()
	sess := ctl.Session()

	fmt.Println()
	fmt.Println("============================================")
	fmt.Println("🔒 Protected Document Viewer")
	fmt.Println("============================================")
	title := sess.DocumentTitle
	if title == "" {
		title = "(untitled)"
	}
	fmt.Printf("Document: %s\n", title)
	fmt.Printf("Type:     %s\n", sess.DocumentType)
	fmt.Printf("Prints:   %d of %d remaining\n", sess.RemainingPrints, sess.MaxPrints)
	fmt.Println("--------------------------------------------")

	reader := bufio.NewReader(os.Stdin)
	for {
		printActions(ctl.Snapshot(), sess.DocumentType)
		fmt.Print("> ")

		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "g", "generate":
			if err := ctl.Generate(ctx); err != nil {
				fmt.Printf("✗ %v\n", err)
				continue
			}
			fmt.Println("Generation started; status is polled every 5s.")

		case "v", "preview":
			fileURL, err := ctl.Preview(ctx)
			switch {
			case errors.Is(err, docservice.ErrStillProcessing):
				fmt.Println("Still processing, try again in a moment.")
			case err != nil:
				fmt.Printf("✗ %v\n", err)
			default:
				fmt.Printf("Preview ready: %s\n", fileURL)
			}

		case "p", "print":
			outcome, err := ctl.Print(ctx)
			switch {
			case errors.Is(err, workflow.ErrNotConfirmed):
				// User declined; nothing to report.
			case err != nil:
				fmt.Printf("✗ %v\n", err)
			default:
				fmt.Printf("Print authorized, %d prints remaining.\n", outcome.Remaining)
			}

		case "s", "status":
			printStatus(ctl.Snapshot())

		case "q", "quit", "exit":
			return

		case "":
			// Re-prompt.

		default:
			fmt.Println("Commands: [g]enerate, pre[v]iew, [p]rint, [s]tatus, [q]uit")
		}
	}
}

func printActions(snap workflow.Snapshot, docType session.DocumentType) {
	var actions []string
	if docType == session.TypeSVG {
		actions = append(actions, "[g]enerate")
	}
	if workflow.CanPreview(snap) {
		actions = append(actions, "pre[v]iew")
	}
	if workflow.CanPrint(snap) {
		actions = append(actions, "[p]rint")
	}
	actions = append(actions, "[s]tatus", "[q]uit")
	fmt.Printf("\nActions: %s\n", strings.Join(actions, ", "))
}

func printStatus(snap workflow.Snapshot) {
	fmt.Printf("Generation: %s", snap.Generation.Status)
	if snap.Generation.TimedOut {
		fmt.Print(" (polling timed out; processing may still complete)")
	}
	fmt.Println()
	if snap.Generation.LastError != "" {
		fmt.Printf("Last poll error: %s\n", snap.Generation.LastError)
	}
	fmt.Printf("Prints remaining: %d of %d\n", snap.Quota.Remaining, snap.Quota.Max)
	if snap.PreviewURL != "" {
		fmt.Printf("Preview URL: %s\n", snap.PreviewURL)
	}
	fmt.Printf("Can preview: %t | Can print: %t\n", workflow.CanPreview(snap), workflow.CanPrint(snap))
}
