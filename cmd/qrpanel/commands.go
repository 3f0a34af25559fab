package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/qrpanel/internal/api"
	"github.com/kalambet/qrpanel/internal/config"
	"github.com/kalambet/qrpanel/internal/pipeline"
	"github.com/kalambet/qrpanel/internal/qr"
	"github.com/kalambet/qrpanel/internal/selection"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate [text...]",
	Short: "Generate a QR code for text",
	Long: `Generate a QR code and show it in the panel.

Examples:
  qrpanel generate https://example.com
  qrpanel generate --file ./wifi.txt --out wifi.png
  pbpaste | qrpanel generate -
  qrpanel generate --html "<p>fish &amp; chips</p>" --origin tab-3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		html, _ := cmd.Flags().GetString("html")
		origin, _ := cmd.Flags().GetString("origin")
		out, _ := cmd.Flags().GetString("out")

		req := api.GenerateRequest{Origin: origin, Via: string(pipeline.ViaCLI)}
		switch {
		case file != "":
			text, err := selection.FromFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			req.Text = text
		case html != "":
			req.HTML = html
		case len(args) == 1 && args[0] == "-":
			data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			req.Text = string(data)
		default:
			req.Text = strings.Join(args, " ")
		}
		if strings.TrimSpace(req.Text) == "" && req.HTML == "" {
			return fmt.Errorf("text is required: pass it as arguments, --file, --html, or - for stdin")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/qr", req)
		if err != nil {
			return err
		}

		var result api.GenerateResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printGeneration(result)
		if out != "" {
			return writeImage(out, result.Image)
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().String("file", "", "read text from a file (.txt, .html, .pdf)")
	generateCmd.Flags().String("html", "", "extract text from an HTML fragment")
	generateCmd.Flags().String("origin", "", "panel to present in")
	generateCmd.Flags().String("out", "", "also write the image to this path")
}

func printGeneration(r api.GenerateResponse) {
	if r.Degraded {
		printWarning("Every source failed; showing a text placeholder")
	} else {
		printSuccess("QR code from %s", r.Source)
	}
	for _, a := range r.Attempts {
		if a.OK {
			printStep("%s ok (%dms)", a.Source, a.DurationMs)
		} else {
			printStep("%s %s: %s (%dms)", a.Source, a.Kind, a.Error, a.DurationMs)
		}
	}
	for _, w := range r.Warnings {
		printWarning("%s", w)
	}
	if !r.Delivered {
		printStatus("Panel", "no panel open; result cached for the next one")
	}
}

func writeImage(path, dataURL string) error {
	img, ok := qr.ParseDataURL(dataURL)
	if !ok {
		return fmt.Errorf("server returned an unreadable image")
	}
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	printSuccess("Wrote %s (%d bytes, %s)", path, len(img.Data), img.ContentType)
	return nil
}

// --- test-custom ---

var testCustomCmd = &cobra.Command{
	Use:   "test-custom",
	Short: "Try the custom QR endpoint once",
	Long: `Try a custom QR endpoint without saving it. Flags override the saved
settings.

Examples:
  qrpanel test-custom
  qrpanel test-custom --url "https://qr.example/api?data={TEXT}" --timeout 3000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var req api.TestCustomRequest
		if err := decodeJSON(resp, &req.CustomAPI); err != nil {
			return err
		}

		if cmd.Flags().Changed("url") {
			req.URL, _ = cmd.Flags().GetString("url")
		}
		if cmd.Flags().Changed("headers") {
			req.Headers, _ = cmd.Flags().GetString("headers")
		}
		if cmd.Flags().Changed("timeout") {
			req.TimeoutMs, _ = cmd.Flags().GetInt("timeout")
		}
		req.Text, _ = cmd.Flags().GetString("text")

		resp, err = client.post(cmd.Context(), "/qr/test-custom", req)
		if err != nil {
			return err
		}
		var result api.TestCustomResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Custom endpoint returned %d bytes of %s", result.Bytes, result.ContentType)
		return nil
	},
}

func init() {
	testCustomCmd.Flags().String("url", "", "endpoint template containing "+config.TextPlaceholder)
	testCustomCmd.Flags().String("headers", "", "JSON object of extra request headers")
	testCustomCmd.Flags().Int("timeout", config.DefaultTimeoutMs, "timeout in milliseconds")
	testCustomCmd.Flags().String("text", pipeline.TestText, "sample text to encode")
}

// --- last ---

var lastCmd = &cobra.Command{
	Use:   "last",
	Short: "Show the last generated QR code",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/last")
		if err != nil {
			return err
		}
		var last api.LastResultResponse
		if err := decodeJSON(resp, &last); err != nil {
			return err
		}

		printStatus("Text", "%s", last.Text)
		printStatus("Source", "%s", last.Source)
		if last.Degraded {
			printStatus("Degraded", "yes")
		}
		printStatus("Created", "%s", last.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if out != "" {
			return writeImage(out, last.Image)
		}
		return nil
	},
}

var lastClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the last generated QR code",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/last")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Last result cleared")
		return nil
	},
}

func init() {
	lastCmd.Flags().String("out", "", "write the image to this path")
	lastCmd.AddCommand(lastClearCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent resolutions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), historyPath(limit, offset))
		if err != nil {
			return err
		}
		var rows []api.ResolutionView
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}

		if len(rows) == 0 {
			fmt.Println("No resolutions found.")
			return nil
		}

		for _, r := range rows {
			text := []rune(r.Text)
			if len(text) > 60 {
				text = append(text[:60], []rune("...")...)
			}
			source := r.Source
			if r.Degraded {
				source = colorize(colorYellow, source)
			}
			fmt.Printf("%s  %s  %-14s %5dms  %s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				source,
				r.DurationMs,
				string(text),
			)
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the resolution log",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete the whole resolution log. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/resolutions")
		if err != nil {
			return err
		}
		var result struct {
			Deleted int64 `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %d resolutions", result.Deleted)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of resolutions to list")
	historyCmd.Flags().Int("offset", 0, "skip this many of the newest resolutions")
	historyClearCmd.Flags().Bool("confirm", false, "confirm deletion")
	historyCmd.AddCommand(historyClearCmd)
}

// historyPath builds the resolutions query for a page.
func historyPath(limit, offset int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return "/resolutions?" + q.Encode()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or update the custom endpoint settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var s config.CustomAPI
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a settings field",
	Long: `Set a settings field. Keys use the options panel names:
  showSelectionButton, useCustomApi, customApiUrl, customApiHeaders, customApiTimeout`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var s config.CustomAPI
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}

		if err := applySetting(&s, key, value); err != nil {
			return err
		}

		resp, err = client.put(cmd.Context(), "/settings", s)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func applySetting(s *config.CustomAPI, key, value string) error {
	switch key {
	case "showSelectionButton", "useCustomApi":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", key, err)
		}
		if key == "showSelectionButton" {
			s.ShowSelectionButton = b
		} else {
			s.UseCustomAPI = b
		}
	case "customApiUrl":
		s.URL = value
	case "customApiHeaders":
		s.Headers = value
	case "customApiTimeout":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		s.TimeoutMs = ms
	default:
		return fmt.Errorf("unknown settings key: %q", key)
	}
	return nil
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
