package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"confgraph/internal/deploy"
)

func runDeploy(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return transact(cmd, func(c *deploy.Coordinator) (*deploy.Result, error) {
		return c.DeployBundle(cmd.Context(), f, info.Size())
	})
}

func runUpsert(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	return transact(cmd, func(c *deploy.Coordinator) (*deploy.Result, error) {
		return c.Upsert(cmd.Context(), args[0], content)
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return transact(cmd, func(c *deploy.Coordinator) (*deploy.Result, error) {
		return c.Delete(cmd.Context(), args[0])
	})
}

func runTidy(cmd *cobra.Command, args []string) error {
	return transact(cmd, func(c *deploy.Coordinator) (*deploy.Result, error) {
		return c.Tidy(cmd.Context())
	})
}

func transact(cmd *cobra.Command, fn func(*deploy.Coordinator) (*deploy.Result, error)) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(a.Coordinator())
	if err != nil {
		return err
	}
	printResult(cmd, res)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "URI\tKIND\tSIZE\tREFERENCES\tREFERENCED BY")
	for _, info := range a.Coordinator().Live().Dump() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			info.URI, info.Kind, info.Length,
			joinOrDash(info.Referenced), joinOrDash(info.ReferencedBy))
	}
	return w.Flush()
}

func joinOrDash(uris []string) string {
	if len(uris) == 0 {
		return "-"
	}
	return strings.Join(uris, ",")
}
