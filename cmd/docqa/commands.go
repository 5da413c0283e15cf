package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/conversation"
	"github.com/kalambet/docqa/internal/index"
	"github.com/kalambet/docqa/internal/pipeline"
)

func clientFor(cmd *cobra.Command) (*apiClient, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	return newAPIClient(serverURL)
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload and index documents",
	Long: `Upload and index documents. Supported formats are plain text,
Markdown, HTML and PDF.

Examples:
  docqa upload ./manual.pdf
  docqa upload notes/*.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printStep("Uploading %s", filepath.Base(path))
			resp, err := client.upload(cmd.Context(), filepath.Base(path), data)
			if err != nil {
				return err
			}
			var res pipeline.UploadResult
			if err := decodeJSON(resp, &res); err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printSuccess("%s (document %s)", res.Message, res.DocumentID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args))
		}
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the indexed documents",
	Long: `Ask a question about the indexed documents.

Pass --conversation with the id printed by a previous answer to ask a
follow-up question in the same conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		convID, _ := cmd.Flags().GetString("conversation")
		showSources, _ := cmd.Flags().GetBool("sources")

		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/chat", map[string]string{
			"query":           query,
			"conversation_id": convID,
		})
		if err != nil {
			return err
		}
		var ans pipeline.Answer
		if err := decodeJSON(resp, &ans); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, ans.Answer)
		if showSources && len(ans.SourceDetails) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, colorize(colorBold, "Sources:"))
			for _, s := range ans.SourceDetails {
				loc := fmt.Sprintf("chunk %d", s.Chunk)
				if s.Page > 0 {
					loc = fmt.Sprintf("page %d, %s", s.Page, loc)
				}
				fmt.Fprintf(out, "  %s %s\n", s.Source, colorize(colorDim, "("+loc+")"))
			}
		}
		if convID == "" {
			fmt.Fprintln(os.Stderr, colorize(colorDim, "conversation: "+ans.ConversationID))
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringP("conversation", "c", "", "conversation id to continue")
	askCmd.Flags().Bool("sources", false, "list the passages the answer was based on")
}

// --- search ---

type searchResponse struct {
	Results []struct {
		ChunkID string  `json:"chunk_id"`
		Source  string  `json:"source"`
		Page    int     `json:"page"`
		Chunk   int     `json:"chunk"`
		Text    string  `json:"text"`
		Score   float32 `json:"score"`
	} `json:"results"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the passages most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/search?q=%s&k=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var results searchResponse
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(results.Results) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		for i, r := range results.Results {
			fmt.Fprintf(out, "\n%s [score: %.3f] %s\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, r.Source)
			text := r.Text
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Fprintf(out, "  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntP("limit", "k", 5, "number of passages")
}

// --- documents ---

type documentsResponse struct {
	Documents []index.DocumentInfo `json:"documents"`
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}
		var docs documentsResponse
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(docs.Documents) == 0 {
			fmt.Fprintln(out, "No documents indexed.")
			return nil
		}
		for _, d := range docs.Documents {
			fmt.Fprintf(out, "%s  %s  %d chunks\n", colorize(colorDim, d.ID), d.Source, d.Chunks)
		}
		return nil
	},
}

var documentsRemoveCmd = &cobra.Command{
	Use:   "remove <document-id>",
	Short: "Remove a document from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result struct {
			ChunksRemoved int `json:"chunks_removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed document %s (%d chunks)", args[0], result.ChunksRemoved)
		return nil
	},
}

func init() {
	documentsCmd.AddCommand(documentsRemoveCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show or forget a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		forget, _ := cmd.Flags().GetBool("forget")

		client, err := clientFor(cmd)
		if err != nil {
			return err
		}

		if forget {
			resp, err := client.delete(cmd.Context(), "/conversations/"+url.PathEscape(id))
			if err != nil {
				return err
			}
			var result map[string]any
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			printSuccess("Forgot conversation %s", id)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/conversations/"+url.PathEscape(id))
		if err != nil {
			return err
		}
		var conv struct {
			Turns []conversation.Turn `json:"turns"`
		}
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(conv.Turns) == 0 {
			fmt.Fprintln(out, "No turns recorded.")
			return nil
		}
		for _, t := range conv.Turns {
			label := "Q"
			if t.Role == conversation.RoleAssistant {
				label = "A"
			}
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, label+":"), t.Text)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("forget", false, "delete the conversation instead of showing it")
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the index and all conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL indexed documents and conversations. Use --confirm to proceed.")
			return nil
		}

		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/clear")
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Index and conversations cleared")
		return nil
	},
}

func init() {
	clearCmd.Flags().Bool("confirm", false, "confirm deletion")
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
		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "  %s\n", colorize(colorDim, "file: "+config.FilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		if err := cfg.Validate(); err != nil {
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: fmt.Sprintf(`Set a configuration value in the config file.

Valid keys:
  %s`, strings.Join(config.ValidKeys(), "\n  ")),
	Args: cobra.ExactArgs(2),
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
