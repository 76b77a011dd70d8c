package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kittclouds/outline/internal/mirror"
	"github.com/kittclouds/outline/internal/store"
	"github.com/kittclouds/outline/internal/workspace"
	"github.com/kittclouds/outline/pkg/markdown"
)

// withWorkspace opens the workspace named by the global flag, runs fn, and
// closes it (flushing the mirror) afterwards.
func withWorkspace(cmd *cobra.Command, fn func(w *workspace.Workspace) error) error {
	root, _ := cmd.Flags().GetString("workspace")
	w, err := workspace.Open(root)
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(w)
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import the workspace's markdown files into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withWorkspace(cmd, func(w *workspace.Workspace) error {
			n, err := w.Import(force)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d page(s)\n", n)
			return nil
		})
	},
}

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "List all pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(w *workspace.Workspace) error {
			pages, err := w.Store.ListPages()
			if err != nil {
				return err
			}
			for _, p := range pages {
				marker := " "
				if p.IsDirectory {
					marker = "d"
				}
				fmt.Printf("%s %-40s %s\n", marker, p.FilePath, p.Title)
			}
			return nil
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <page-path>",
	Short: "Print a page's canonical markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(w *workspace.Workspace) error {
			page, err := w.Store.GetPageByPath(args[0])
			if err != nil {
				return err
			}
			blocks, err := w.Store.GetPageBlocks(page.ID)
			if err != nil {
				return err
			}
			fmt.Print(string(markdown.Serialize(mirror.Flatten(blocks))))
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over blocks and page titles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withWorkspace(cmd, func(w *workspace.Workspace) error {
			if limit <= 0 {
				limit = w.Config().SearchLimit
			}
			hits, err := w.Store.Search(args[0], limit)
			if err != nil {
				return err
			}
			for _, h := range hits {
				if h.ResultType == store.ResultTypePage {
					fmt.Printf("page  %-30s %s\n", h.PageTitle, h.Snippet)
				} else {
					fmt.Printf("block %-30s %s\n", h.PageTitle, h.Snippet)
				}
			}
			return nil
		})
	},
}

var retitleCmd = &cobra.Command{
	Use:   "retitle <page-path> <new-title>",
	Short: "Rename a page and rewrite inbound wiki-links",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(w *workspace.Workspace) error {
			page, err := w.Store.GetPageByPath(args[0])
			if err != nil {
				return err
			}
			renamed, err := w.Store.UpdatePageTitle(page.ID, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", args[0], renamed.FilePath)
			return nil
		})
	},
}

var linksCmd = &cobra.Command{
	Use:   "links <page-path>",
	Short: "List the pages a page links to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(w *workspace.Workspace) error {
			page, err := w.Store.GetPageByPath(args[0])
			if err != nil {
				return err
			}
			targets, err := w.Store.PageLinks(page.ID)
			if err != nil {
				return err
			}
			for _, p := range targets {
				fmt.Println(p.FilePath)
			}
			return nil
		})
	},
}

var backlinksCmd = &cobra.Command{
	Use:   "backlinks <page-path>",
	Short: "List blocks on other pages that link here",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkspace(cmd, func(w *workspace.Workspace) error {
			page, err := w.Store.GetPageByPath(args[0])
			if err != nil {
				return err
			}
			blocks, err := w.Store.Backlinks(page.ID)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				from, err := w.Store.GetPage(b.PageID)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", from.FilePath, b.Content)
			}
			return nil
		})
	},
}

func init() {
	importCmd.Flags().Bool("force", false, "Replace already-imported pages from their files")
	searchCmd.Flags().Int("limit", 0, "Maximum number of results")
}
