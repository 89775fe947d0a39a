package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/xrelay/provider"
	"github.com/hazyhaar/xrelay/relay"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	var (
		opts     relay.FetchOptions
		only     string
		skip     []string
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Fetch one post through the item chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := setup(g)
			if err != nil {
				return err
			}
			defer eng.Close()

			opts.Provider = provider.ID(only)
			for _, s := range skip {
				opts.Skip = append(opts.Skip, provider.ID(s))
			}
			opts.Deadline = deadline
			res, err := eng.FetchOne(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "bypass the cache")
	cmd.Flags().StringVarP(&only, "provider", "p", "", "restrict to one provider (api, scraper)")
	cmd.Flags().StringSliceVar(&skip, "skip", nil, "providers to bypass")
	cmd.Flags().DurationVar(&deadline, "deadline", 30*time.Second, "overall request deadline")
	return cmd
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search posts (API only, no fallback)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := setup(g)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Search(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max results (1-100)")
	return cmd
}

func newTimelineCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "timeline <username>",
		Short: "List a user's recent posts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := setup(g)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Timeline(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max results (1-100)")
	return cmd
}

var errInvalidProof = errors.New("proof does not verify")

func newVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <content_hash> <root_hash> <component>...",
		Short: "Check an integrity proof offline",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, _, err := setup(g)
			if err != nil {
				return err
			}
			defer eng.Close()

			ok := eng.VerifyIntegrity(args[0], args[1], args[2:])
			if err := printJSON(map[string]bool{"valid": ok}); err != nil {
				return err
			}
			if !ok {
				return errInvalidProof
			}
			return nil
		},
	}
}
