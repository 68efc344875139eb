package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pianzhu/smartthings-mcp/internal/agent"
	"github.com/pianzhu/smartthings-mcp/internal/config"
	"github.com/pianzhu/smartthings-mcp/internal/hub"
	"github.com/pianzhu/smartthings-mcp/internal/intent"
	"github.com/pianzhu/smartthings-mcp/internal/smartthings"
	"github.com/pianzhu/smartthings-mcp/internal/storage"
)

// cliConversation is the conversation id used by commands that run the
// agent in-process.
const cliConversation = "cli"

var loadConfig = config.Load

var newRegistry = func(cfg config.Config) hub.Registry {
	return smartthings.New(smartthings.Options{
		BaseURL:    cfg.Hub.BaseURL,
		Token:      cfg.Hub.Token,
		LocationID: cfg.Hub.LocationID,
		RateLimit:  cfg.Hub.RateLimit,
		Timeout:    cfg.Hub.Timeout,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// --- plan ---

var planCmd = &cobra.Command{
	Use:   "plan <text>",
	Short: "Show the workflow an utterance would run, without touching the hub",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := buildStack(cfg, nil, nil)
		if err != nil {
			return err
		}
		plan := st.sessions.Session(cliConversation).Plan(strings.Join(args, " "))
		return printJSON(cmd.OutOrStdout(), plan)
	},
}

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Print the recognized intent and device query of an utterance",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Intent:"), intent.Recognize(text))
		fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Device query:"), intent.ExtractDeviceQuery(text))
		if cond, action, ok := intent.SplitConditional(text); ok {
			c := intent.ParseCondition(cond)
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Condition:"), cond)
			if c.HasThreshold {
				fmt.Fprintf(out, "  %s %s %g\n", c.Subject, c.Operator, c.Threshold)
			}
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Action:"), action)
		}
		if multi, count := intent.DetectMultiDevice(text); multi {
			fmt.Fprintf(out, "%s ~%d devices (batch: %v)\n", colorize(colorBold, "Multi-device:"), count, intent.ShouldBatch(count))
		}
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search SmartThings devices directly",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		st, err := buildStack(cfg, newRegistry(cfg), nil)
		if err != nil {
			return err
		}

		res := st.sessions.Session(cliConversation).Search(cmd.Context(), strings.Join(args, " "), limit)
		if res.Error != nil {
			return errors.New(res.Error.UserMessage)
		}
		if res.Note != "" {
			printStep("%s", res.Note)
		}
		out := cmd.OutOrStdout()
		for _, d := range res.Devices {
			room := d.Room
			if room == "" {
				room = "-"
			}
			fmt.Fprintf(out, "%s  %-24s %-12s %.0f  %s\n",
				colorize(colorCyan, d.FullID),
				d.Name,
				room,
				d.Score,
				strings.Join(d.Capabilities, ","),
			)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of devices")
}

// --- turn ---

var turnCmd = &cobra.Command{
	Use:   "turn <conversation> <text>",
	Short: "Send an utterance to a running server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"text": strings.Join(args[1:], " "), "confirm": confirm}
		resp, err := client.post(cmd.Context(), "/v1/conversations/"+url.PathEscape(args[0])+"/turns", body)
		if err != nil {
			return err
		}
		var res agent.TurnResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printTurn(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	turnCmd.Flags().Bool("confirm", false, "run actions that would otherwise wait for confirmation")
	turnCmd.Flags().Bool("json", false, "print the raw turn result")
}

func printTurn(w io.Writer, res agent.TurnResult) {
	fmt.Fprintf(w, "%s turn %d, %s: %s\n",
		colorize(colorBold, res.ConversationID), res.Turn, res.Workflow.Intent, res.Workflow.Description)
	for _, s := range res.Steps {
		line := fmt.Sprintf("  %s %d. %s", stepMarker(s.Status), s.Index+1, s.Description)
		if s.DeviceID != "" {
			line += " [" + s.DeviceID + "]"
		}
		if s.Error != nil {
			line += ": " + s.Error.UserMessage
		} else if s.Note != "" {
			line += ": " + s.Note
		}
		fmt.Fprintln(w, line)
	}
	if len(res.Pending) > 0 {
		fmt.Fprintf(w, "%s %d action(s) awaiting confirmation\n", colorize(colorYellow, "Pending:"), len(res.Pending))
	}
	if res.UserMessage != "" {
		fmt.Fprintln(w, res.UserMessage)
	}
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <conversation>",
	Short: "Show or reset a conversation's context on a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")
		path := "/v1/conversations/" + url.PathEscape(args[0])

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if reset {
			resp, err := client.delete(cmd.Context(), path)
			if err != nil {
				return err
			}
			var result map[string]string
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Reset conversation %s", args[0])
			return nil
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var conv any
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), conv)
	},
}

func init() {
	contextCmd.Flags().Bool("reset", false, "drop the conversation instead of showing it")
}

// --- journal ---

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the command journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent device commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/journal?limit=%d", limit))
		if err != nil {
			return err
		}
		var entries []storage.CommandEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No commands recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintln(out, formatJournalEntry(e))
		}
		return nil
	},
}

func init() {
	journalListCmd.Flags().Int("limit", 20, "maximum number of entries")
	journalCmd.AddCommand(journalListCmd)
}

func formatJournalEntry(e storage.CommandEntry) string {
	name := e.DeviceName
	if name == "" {
		name = e.DeviceID
	}
	status := e.Status
	switch e.Status {
	case storage.CommandSuccess:
		status = colorize(colorGreen, e.Status)
	case storage.CommandFailed:
		status = colorize(colorRed, e.Status)
	default:
		status = colorize(colorYellow, e.Status)
	}
	line := fmt.Sprintf("%s  %-8s %-7s %s %s",
		e.CreatedAt.Local().Format("2006-01-02 15:04:05"), status, e.Source, name, e.CommandsJSON)
	if e.Error != "" {
		line += "  (" + e.Error + ")"
	}
	return line
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token",
	Short: "Store the SmartThings personal access token (read from stdin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := config.SetHubToken(config.NewKeychain(), token); err != nil {
			return fmt.Errorf("storing token: %w", err)
		}
		printSuccess("SmartThings token stored")
		return nil
	},
}

func readToken(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			fmt.Fprint(os.Stderr, "SmartThings token: ")
		}
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetTokenCmd)
}
