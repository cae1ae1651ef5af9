package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cdpmock/internal/rulesfile"
	"cdpmock/internal/storage"
	"cdpmock/internal/store"
	"cdpmock/pkg/model"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage mock rules in the config store",
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List rules in match order",
	Args:    cobra.NoArgs,
	RunE:    runRulesList,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a rule",
	Args:  cobra.NoArgs,
	RunE:  runRulesAdd,
}

var rulesRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove a rule by id",
	Args:    cobra.ExactArgs(1),
	RunE:    runRulesRemove,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace all rules with the contents of a yaml or json file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

func init() {
	rulesAddCmd.Flags().String("id", "", "Rule id (generated when empty)")
	rulesAddCmd.Flags().String("url", "", "URL pattern")
	rulesAddCmd.Flags().String("match", string(model.MatchContains), "Match type (exact, contains, regex)")
	rulesAddCmd.Flags().String("response", "", "Mock response body")
	_ = rulesAddCmd.MarkFlagRequired("url")

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesRemoveCmd, rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}

// withStore 打开配置存储并执行 fn
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) error) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Sqlite, log)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close(db) }()
	return fn(cmd.Context(), store.New(db, log))
}

func runRulesList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		list, err := st.Rules(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMATCH\tURL\tRESPONSE")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.MatchType, r.URLPattern, preview(r.ResponseBody, 40))
		}
		return w.Flush()
	})
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	url, _ := cmd.Flags().GetString("url")
	match, _ := cmd.Flags().GetString("match")
	response, _ := cmd.Flags().GetString("response")

	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		r, err := st.AddRule(ctx, model.Rule{
			ID:           model.RuleID(id),
			URLPattern:   url,
			MatchType:    model.MatchType(match),
			ResponseBody: response,
		})
		if err != nil {
			return err
		}
		fmt.Println(r.ID)
		return nil
	})
}

func runRulesRemove(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		return st.RemoveRule(ctx, model.RuleID(args[0]))
	})
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	list, err := rulesfile.Load(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		if err := st.SaveRules(ctx, list); err != nil {
			return err
		}
		fmt.Printf("imported %d rules\n", len(list))
		return nil
	})
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
