package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/strongbuy/internal/catalog"
	"github.com/kalambet/strongbuy/internal/config"
	"github.com/kalambet/strongbuy/internal/ingest"
	"github.com/kalambet/strongbuy/internal/persona"
	"github.com/kalambet/strongbuy/internal/pipeline"
	"github.com/kalambet/strongbuy/internal/storage"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run a personalized product search",
	Long: `Run a personalized product search.

An empty query lists the whole catalog, optionally filtered.

Examples:
  strongbuy search 防曬乳
  strongbuy search 登山鞋 --persona outdoor --orders outdoor-checkout-1
  strongbuy search --category 美妝 --top 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := pipeline.Request{Text: strings.Join(args, " ")}
		req.Category, _ = cmd.Flags().GetString("category")
		req.Categories, _ = cmd.Flags().GetStringSlice("categories")
		req.Brands, _ = cmd.Flags().GetStringSlice("brands")
		req.PersonaID, _ = cmd.Flags().GetString("persona")
		req.OrderIDs, _ = cmd.Flags().GetStringSlice("orders")
		req.EventIDs, _ = cmd.Flags().GetStringSlice("events")
		req.Top, _ = cmd.Flags().GetInt("top")
		if cmd.Flags().Changed("facets") {
			facets, _ := cmd.Flags().GetBool("facets")
			req.IncludeFacets = &facets
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runSearch(cmd.Context(), client, req)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, res)
		}
		printSearchResult(os.Stdout, res)
		if !res.Success {
			return fmt.Errorf("search failed: %s", res.Error)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("category", "", "restrict results to one category")
	searchCmd.Flags().StringSlice("categories", nil, "restrict results to any of these categories")
	searchCmd.Flags().StringSlice("brands", nil, "restrict results to these brands")
	searchCmd.Flags().String("persona", "", "persona to personalize for")
	searchCmd.Flags().StringSlice("orders", nil, "persona order ids to build the user vector from")
	searchCmd.Flags().StringSlice("events", nil, "persona event ids to build the user vector from")
	searchCmd.Flags().Int("top", 20, "maximum number of results")
	searchCmd.Flags().Bool("facets", true, "include category and brand facets")
	searchCmd.Flags().Bool("json", false, "print the raw JSON response")
}

func runSearch(ctx context.Context, c *apiClient, req pipeline.Request) (pipeline.Result, error) {
	var res pipeline.Result
	err := c.call(ctx, http.MethodPost, "/v1/search", req, &res)
	return res, err
}

func printSearchResult(w io.Writer, res pipeline.Result) {
	if len(res.SuggestedCategories) > 0 {
		fmt.Fprintf(w, "%s %s\n", bold("Categories:"), strings.Join(res.SuggestedCategories, ", "))
	}
	if len(res.SuggestedBrands) > 0 {
		fmt.Fprintf(w, "%s %s\n", bold("Brands:"), strings.Join(res.SuggestedBrands, ", "))
	}
	if res.Search == nil {
		fmt.Fprintln(w, "No results.")
		return
	}

	fmt.Fprintf(w, "%s %s, %d match(es) in %dms\n", bold("Mode:"), res.Mode, res.Search.TotalCount, res.DurationMs)
	if res.Search.Filter != "" {
		fmt.Fprintf(w, "%s %s\n", bold("Filter:"), res.Search.Filter)
	}
	if len(res.Search.Hits) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}
	for i, h := range res.Search.Hits {
		d := h.Document
		score := fmt.Sprintf("score %.3f", h.Score)
		if h.UserScore != nil {
			score += fmt.Sprintf(", user %.3f", *h.UserScore)
		}
		fmt.Fprintf(w, "%3d. %s  %s\n", i+1, accent(d.Name), score)
		fmt.Fprintf(w, "     %s / %s  $%.2f\n", d.Category, orDash(d.Brand), d.Price)
	}
	for _, field := range []string{"category", "brand"} {
		values := res.Search.Facets[field]
		if len(values) == 0 {
			continue
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%s (%d)", v.Value, v.Count)
		}
		fmt.Fprintf(w, "%s %s\n", bold(field+":"), strings.Join(parts, ", "))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// --- personas ---

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "Browse shopper personas",
}

var personasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var personas []persona.Persona
		if err := client.get(cmd.Context(), "/v1/personas", &personas); err != nil {
			return err
		}
		for _, p := range personas {
			fmt.Printf("%s  %s  %s\n", accent(p.ID), p.Occupation, strings.Join(p.PreferredCategories, ", "))
		}
		return nil
	},
}

var personasShowCmd = &cobra.Command{
	Use:   "show <persona>",
	Short: "Show a persona as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var p persona.Persona
		if err := client.get(cmd.Context(), "/v1/personas/"+url.PathEscape(args[0]), &p); err != nil {
			return err
		}
		return printJSON(os.Stdout, p)
	},
}

func personaHistoryCmd(kind, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind + " <persona>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			actions, err := fetchHistory(cmd.Context(), client, args[0], kind, limit)
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Printf("No %s found.\n", kind)
				return nil
			}
			printActions(os.Stdout, actions)
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "maximum number of entries (0 = all)")
	return cmd
}

func fetchHistory(ctx context.Context, c *apiClient, personaID, kind string, limit int) ([]persona.Action, error) {
	path := fmt.Sprintf("/v1/personas/%s/%s", url.PathEscape(personaID), kind)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var actions []persona.Action
	if err := c.get(ctx, path, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func printActions(w io.Writer, actions []persona.Action) {
	for _, a := range actions {
		detail := a.SearchQuery
		if a.Product != nil {
			detail = fmt.Sprintf("%s [%s]", a.Product.Name, a.Product.Category)
		}
		fmt.Fprintf(w, "%s  %-11s  %s  %s\n",
			accent(a.ID),
			a.Kind,
			a.Timestamp.Format("2006-01-02"),
			detail,
		)
	}
}

var personasAssignCmd = &cobra.Command{
	Use:   "assign <user> <persona>",
	Short: "Assign a persona to a user, replacing their history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		prof, err := assignPersona(cmd.Context(), client, args[0], args[1])
		if err != nil {
			return err
		}
		printSuccess("Assigned %s to %s (%d actions replayed)", args[1], args[0], len(prof.RecentActions))
		return nil
	},
}

func assignPersona(ctx context.Context, c *apiClient, userID, personaID string) (persona.Profile, error) {
	body := map[string]string{"personaId": personaID}
	var prof persona.Profile
	err := c.call(ctx, http.MethodPut, "/v1/users/"+url.PathEscape(userID)+"/persona", body, &prof)
	return prof, err
}

func init() {
	personasCmd.AddCommand(personasListCmd)
	personasCmd.AddCommand(personasShowCmd)
	personasCmd.AddCommand(personaHistoryCmd("orders", "List a persona's orders, newest first"))
	personasCmd.AddCommand(personaHistoryCmd("events", "List a persona's events, newest first"))
	personasCmd.AddCommand(personasAssignCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent searches, or a user's recorded actions with --user",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		user, _ := cmd.Flags().GetString("user")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if user != "" {
			var records []storage.ActionRecord
			if err := client.get(cmd.Context(), historyPath("/v1/users/"+url.PathEscape(user)+"/history", limit), &records); err != nil {
				return err
			}
			printActionRecords(os.Stdout, records)
			return nil
		}
		var records []storage.SearchRecord
		if err := client.get(cmd.Context(), historyPath("/v1/searches", limit), &records); err != nil {
			return err
		}
		printSearchRecords(os.Stdout, records)
		return nil
	},
}

func historyPath(base string, limit int) string {
	if limit <= 0 {
		return base
	}
	return fmt.Sprintf("%s?limit=%d", base, limit)
}

func printSearchRecords(w io.Writer, records []storage.SearchRecord) {
	for _, r := range records {
		outcome := fmt.Sprintf("%d results", r.TotalCount)
		if !r.Success {
			outcome = "failed: " + r.Error
		}
		fmt.Fprintf(w, "%s  %-16s  %s  %s  [%s]\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			orDash(r.Mode),
			accent(r.QueryText),
			outcome,
			strings.Join(r.Categories, ", "),
		)
	}
}

func printActionRecords(w io.Writer, records []storage.ActionRecord) {
	for _, r := range records {
		detail := r.SearchQuery
		if r.ProductName != "" {
			detail = fmt.Sprintf("%s [%s]", r.ProductName, r.ProductCategory)
		}
		fmt.Fprintf(w, "%s  %-11s  %s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			persona.ActionKind(r.Kind),
			detail,
		)
	}
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of entries")
	historyCmd.Flags().String("user", "", "show this user's recorded actions instead of searches")
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the category and brand inventory",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var inv catalog.Inventory
		if err := client.get(cmd.Context(), "/v1/catalog", &inv); err != nil {
			return err
		}
		printInventory(os.Stdout, inv)
		return nil
	},
}

func printInventory(w io.Writer, inv catalog.Inventory) {
	if len(inv.Categories) == 0 {
		fmt.Fprintln(w, "Inventory is empty.")
		return
	}
	for _, c := range inv.Categories {
		fmt.Fprintf(w, "%s  %d products, %d brands\n", bold(c.Name), c.ProductCount, c.BrandCount)
		if brands := inv.BrandsByCategory[c.Name]; len(brands) > 0 {
			fmt.Fprintf(w, "  %s\n", strings.Join(brands, ", "))
		}
	}
}

// --- products ---

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Manage indexed products",
}

var productsIngestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Queue products for embedding and indexing",
	Long: `Queue products for embedding and indexing.

The file holds a JSON array of products or an object with a "products" array.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := ingestProducts(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printSuccess("Queued %d product(s) as job %s", res.Count, res.ID)
		return nil
	},
}

type ingestResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// ingestProducts validates the file locally before sending it unchanged.
func ingestProducts(ctx context.Context, c *apiClient, path string) (ingestResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingestResponse{}, fmt.Errorf("reading file: %w", err)
	}
	products, err := ingest.ParseProducts(data)
	if err != nil {
		return ingestResponse{}, err
	}
	if len(products) == 0 {
		return ingestResponse{}, fmt.Errorf("no products in %s", path)
	}

	var res ingestResponse
	err = c.call(ctx, http.MethodPost, "/v1/products", json.RawMessage(data), &res)
	return res, err
}

func init() {
	productsCmd.AddCommand(productsIngestCmd)
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Provision and inspect the product index",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the configured index if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		printStep("Opening %s index %s", cfg.Index.Backend, cfg.Index.Name)
		idx, closeIndex, err := openIndex(cmd.Context(), cfg, store)
		if err != nil {
			return err
		}
		defer closeIndex()

		created, err := ensureIndex(cmd.Context(), idx, cfg)
		if err != nil {
			return err
		}
		if !created {
			printWarning("Index %s already exists", cfg.Index.Name)
			return nil
		}
		printSuccess("Created index %s (%s, %d dimensions)", cfg.Index.Name, cfg.Index.Backend, cfg.Index.Dimensions)
		return nil
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index existence and document count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		stats, err := fetchIndexStats(cmd.Context(), client)
		if err != nil {
			return err
		}
		printStatus("Index", "%s", indexLabel(stats))
		return nil
	},
}

type indexStats struct {
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
	Count  int64  `json:"count"`
}

func fetchIndexStats(ctx context.Context, c *apiClient) (indexStats, error) {
	var stats indexStats
	err := c.get(ctx, "/v1/index", &stats)
	return stats, err
}

func indexLabel(s indexStats) string {
	if !s.Exists {
		return s.Name + " (missing)"
	}
	return fmt.Sprintf("%s (%d documents)", s.Name, s.Count)
}

func init() {
	indexCmd.AddCommand(indexCreateCmd)
	indexCmd.AddCommand(indexStatsCmd)
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
			fmt.Printf("  %s = %s\n", bold(k.Key), k.Value)
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

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
