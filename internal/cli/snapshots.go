package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/jvs-project/jvb/pkg/color"
	"github.com/jvs-project/jvb/pkg/jvb"
	"github.com/jvs-project/jvb/pkg/model"
)

func newSnapshotsCmd(opts *globalOptions) *cobra.Command {
	var (
		tag   string
		grep  string
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:     "snapshots",
		Aliases: []string{"ls"},
		Short:   "List committed snapshots",
		Long: `List committed snapshots, newest first.

Examples:
  jvb snapshots
  jvb snapshots --tag release
  jvb snapshots --since 24h -n 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(func(c *jvb.Client) error {
				filter := jvb.FilterOptions{NoteContains: grep, HasTag: tag}
				if since > 0 {
					filter.Since = time.Now().Add(-since)
				}
				snaps, err := c.Snapshots(filter)
				if err != nil {
					return err
				}
				if limit > 0 && len(snaps) > limit {
					snaps = snaps[:limit]
				}
				if opts.json {
					if snaps == nil {
						snaps = []*model.Manifest{}
					}
					return outputJSON(cmd.OutOrStdout(), summaries(snaps))
				}
				if len(snaps) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No snapshots.")
					return nil
				}

				table := uitable.New()
				table.MaxColWidth = 48
				table.AddRow(color.Header("ID"), color.Header("CREATED"), color.Header("FILES"),
					color.Header("SIZE"), color.Header("TAGS"), color.Header("NOTE"))
				for _, m := range snaps {
					table.AddRow(
						color.SnapshotID(string(m.SnapshotID)),
						m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
						m.Stats.Files,
						humanSize(m.Stats.TotalSize),
						strings.Join(m.Tags, ","),
						m.Note,
					)
				}
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only snapshots with this tag")
	cmd.Flags().StringVar(&grep, "grep", "", "only snapshots whose note contains this text")
	cmd.Flags().DurationVar(&since, "since", 0, "only snapshots younger than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many snapshots")
	return cmd
}

// snapshotSummary is a manifest without its entry list.
type snapshotSummary struct {
	SnapshotID model.SnapshotID    `json:"snapshot_id"`
	ParentID   *model.SnapshotID   `json:"parent_id,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	SourceRoot string              `json:"source_root"`
	Hostname   string              `json:"hostname,omitempty"`
	Note       string              `json:"note,omitempty"`
	Tags       []string            `json:"tags,omitempty"`
	Stats      model.ManifestStats `json:"stats"`
}

func summaries(ms []*model.Manifest) []snapshotSummary {
	out := make([]snapshotSummary, 0, len(ms))
	for _, m := range ms {
		out = append(out, snapshotSummary{
			SnapshotID: m.SnapshotID,
			ParentID:   m.ParentID,
			CreatedAt:  m.CreatedAt,
			SourceRoot: m.SourceRoot,
			Hostname:   m.Hostname,
			Note:       m.Note,
			Tags:       m.Tags,
			Stats:      m.Stats,
		})
	}
	return out
}
