package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/tellus/internal/config"
	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/registry"
	"github.com/kalambet/tellus/internal/routing"
	"github.com/kalambet/tellus/internal/service"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and distillation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	healthClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	printStatus("Server", "running on port %d", cfg.Server.Port)

	if cfg.Ollama.Enabled {
		printStatus("Ollama", "%s (base model %s)", cfg.Ollama.BaseURL, cfg.Ollama.BaseModel)
	} else {
		printStatus("Ollama", "disabled")
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	st, err := fetchStatus(ctx, client)
	if err != nil {
		return err
	}
	printDistillStatus(st)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStatus(ctx context.Context, client *apiClient) (service.Status, error) {
	var st service.Status
	resp, err := client.get(ctx, "/distillation/status")
	if err != nil {
		return st, err
	}
	return st, decodeJSON(resp, &st)
}

func printDistillStatus(st service.Status) {
	if st.IsRunning && st.CurrentTask != nil {
		line := fmt.Sprintf("running %s for %s", st.CurrentTask.TargetModelID, strings.Join(st.CurrentTask.Domains, ", "))
		if st.Progress != nil {
			line += fmt.Sprintf(" (stage %d/%d)", st.Progress.Stage, st.Progress.TotalStages)
		}
		printStatus("Distillation", "%s", line)
	} else {
		printStatus("Distillation", "idle")
	}
	if st.LastRunAt != nil {
		last := fmt.Sprintf("%s at %s", st.LastOutcome, st.LastRunAt.Local().Format(time.DateTime))
		if st.LastError != "" {
			last += " (" + st.LastError + ")"
		}
		printStatus("Last run", "%s", last)
	}
	models := "none"
	if len(st.AvailableModels) > 0 {
		models = strings.Join(st.AvailableModels, ", ")
	}
	printStatus("Specialists", "%s", models)
	printStatus("Interactions", "%d", st.InteractionCount)
}

// --- route ---

var routeCmd = &cobra.Command{
	Use:   "route <query>",
	Short: "Show how a query would be routed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		d, err := routeQuery(cmd.Context(), client, strings.Join(args, " "))
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(d)
		}
		printStatus("Pattern", "%s", d.Pattern)
		printStatus("Primary model", "%s", d.PrimaryModel)
		printStatus("Models", "%s", strings.Join(d.Models, ", "))
		printStatus("Complexity", "%s", d.Complexity)
		for _, m := range d.Matches {
			printStatus("  "+m.Domain, "%.2f (%s)", m.Confidence, strings.Join(m.MatchedKeywords, ", "))
		}
		return nil
	},
}

func routeQuery(ctx context.Context, client *apiClient, query string) (routing.Decision, error) {
	var d routing.Decision
	resp, err := client.post(ctx, "/v1/route", map[string]any{"query": query})
	if err != nil {
		return d, err
	}
	return d, decodeJSON(resp, &d)
}

func init() {
	routeCmd.Flags().Bool("json", false, "print the raw routing decision")
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Manage interaction history",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/interactions?limit=%d", limit))
		if err != nil {
			return err
		}
		var records []interactions.Record
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %s  %-20s %.1f  %s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.Timestamp.Local().Format(time.DateTime),
				r.RoutingPattern,
				r.QualityScore,
				truncate(r.AnonymizedQuery, 80),
			)
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/interactions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rec interactions.Record
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var interactionsFeedbackCmd = &cobra.Command{
	Use:   "feedback <id> <positive|negative|none>",
	Short: "Set feedback on an interaction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := interactions.ParseFeedback(args[1]); err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/interactions/"+url.PathEscape(args[0])+"/feedback", map[string]any{"feedback": args[1]})
		if err != nil {
			return err
		}
		var rec interactions.Record
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		printSuccess("Feedback recorded, quality now %.1f", rec.QualityScore)
		return nil
	},
}

var interactionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/interactions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted interaction %s", args[0])
		return nil
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
	interactionsCmd.AddCommand(interactionsFeedbackCmd)
	interactionsCmd.AddCommand(interactionsDeleteCmd)
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and use distilled specialist models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed specialists",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/models")
		if err != nil {
			return err
		}
		var entries []registry.Entry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No specialists deployed yet.")
			return nil
		}
		for _, e := range entries {
			accuracy := 0.0
			if e.Validation != nil {
				accuracy = e.Validation.DomainAccuracy
			}
			fmt.Printf("%-32s v%-3d %-18s acc %.2f  used %d  rating %.1f\n",
				colorize(colorBold, e.Name), e.Version, e.Status, accuracy, e.UsageCount, e.AvgRating)
		}
		return nil
	},
}

var modelsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a specialist's registry entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/models/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var e registry.Entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		return printJSON(e)
	},
}

var modelsInvokeCmd = &cobra.Command{
	Use:   "invoke <id> <query>",
	Short: "Ask a deployed specialist a question",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/models/"+url.PathEscape(args[0])+"/invoke",
			map[string]any{"query": strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		var res registry.InferenceResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		fmt.Println(res.Content)
		printStatus("Confidence", "%.2f", res.Confidence)
		printStatus("Latency", "%dms", res.LatencyMs)
		return nil
	},
}

var modelsRateCmd = &cobra.Command{
	Use:   "rate <id> <1-5>",
	Short: "Rate a specialist's answers",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.ParseFloat(args[1], 64)
		if err != nil || rating < 1 || rating > 5 {
			return fmt.Errorf("rating must be a number between 1 and 5")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/models/"+url.PathEscape(args[0])+"/rating", map[string]any{"rating": rating})
		if err != nil {
			return err
		}
		var e registry.Entry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Rated %s, average %.2f over %d ratings", e.Name, e.AvgRating, e.RatingCount)
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsShowCmd)
	modelsCmd.AddCommand(modelsInvokeCmd)
	modelsCmd.AddCommand(modelsRateCmd)
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage domain reference material used for distillation",
}

var knowledgeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add reference text, a web page or a PDF to a domain",
	Long: `Add reference material to a domain's knowledge base.

Examples:
  tellus knowledge add --domain hydrology --text "Aquifers recharge slowly in clay soils"
  tellus knowledge add --domain air_quality --url https://example.org/ozone
  tellus knowledge add --domain ecology --file ./wetlands.pdf --title "Wetland survey"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := ingestRequest(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/knowledge", req)
		if err != nil {
			return err
		}
		var doc struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		printSuccess("Stored doc %s (%s)", shortID(doc.ID), doc.Title)
		return nil
	},
}

func ingestRequest(cmd *cobra.Command) (map[string]any, error) {
	domain, _ := cmd.Flags().GetString("domain")
	text, _ := cmd.Flags().GetString("text")
	rawURL, _ := cmd.Flags().GetString("url")
	file, _ := cmd.Flags().GetString("file")
	title, _ := cmd.Flags().GetString("title")

	if domain == "" {
		return nil, fmt.Errorf("--domain is required")
	}
	if text == "" && rawURL == "" && file == "" {
		return nil, fmt.Errorf("one of --text, --url, or --file is required")
	}

	req := map[string]any{"domain": domain, "source": "cli"}
	if title != "" {
		req["title"] = title
	}
	switch {
	case text != "":
		req["type"] = "text"
		req["content"] = text
	case rawURL != "":
		req["type"] = "url"
		req["url"] = rawURL
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		if title == "" {
			req["title"] = filepath.Base(file)
		}
		if strings.EqualFold(filepath.Ext(file), ".pdf") {
			req["type"] = "pdf"
			req["content"] = base64.StdEncoding.EncodeToString(data)
		} else {
			req["type"] = "text"
			req["content"] = string(data)
		}
	}
	return req, nil
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reference documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, _ := cmd.Flags().GetString("domain")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if domain != "" {
			q.Set("domain", domain)
		}
		resp, err := client.get(cmd.Context(), "/knowledge?"+q.Encode())
		if err != nil {
			return err
		}
		var docs []struct {
			ID      string `json:"id"`
			Domain  string `json:"domain"`
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No knowledge documents found.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %-14s %s\n    %s\n",
				colorize(colorCyan, shortID(d.ID)), d.Domain, colorize(colorBold, d.Title), truncate(d.Content, 120))
		}
		return nil
	},
}

func init() {
	knowledgeAddCmd.Flags().String("domain", "", "domain the material belongs to")
	knowledgeAddCmd.Flags().String("text", "", "text content to add")
	knowledgeAddCmd.Flags().String("url", "", "URL to fetch and add")
	knowledgeAddCmd.Flags().String("file", "", "text or PDF file to add")
	knowledgeAddCmd.Flags().String("title", "", "title for the document")
	knowledgeListCmd.Flags().String("domain", "", "only list this domain")
	knowledgeListCmd.Flags().Int("limit", 20, "maximum number of documents")
	knowledgeCmd.AddCommand(knowledgeAddCmd)
	knowledgeCmd.AddCommand(knowledgeListCmd)
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
		printStatus("File", "%s", config.Path())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
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
			return err
		}
		printSuccess("Set %s in %s", key, config.Path())
		printStep("Restart tellus for the change to take effect")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
