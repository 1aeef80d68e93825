package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/openmined/syftvolume/internal/volume"
	"github.com/openmined/syftvolume/internal/wire"
	"github.com/spf13/cobra"
)

func parseDomains(values []string) ([]remote.Domain, error) {
	var domains []remote.Domain
	for _, v := range values {
		switch d := remote.Domain(strings.ToLower(v)); d {
		case remote.DomainDocuments, remote.DomainData:
			domains = append(domains, d)
		default:
			return nil, volerr.Newf(volerr.KindInvalidArgument, "domain", v, "unknown domain %q", v)
		}
	}
	return domains, nil
}

func newLsCmd(a *app) *cobra.Command {
	var domainFlags []string
	var match string
	cmd := &cobra.Command{
		Use:   "ls [PREFIX]",
		Short: "List items beneath a prefix, stubs included",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			domains, err := parseDomains(domainFlags)
			if err != nil {
				return err
			}
			if match != "" && !doublestar.ValidatePattern(match) {
				return volerr.Newf(volerr.KindInvalidArgument, "ls", match, "bad pattern %q", match)
			}
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				entries, err := v.List(cmd.Context(), prefix, domains...)
				if err != nil {
					return err
				}
				if match != "" {
					entries = matchEntries(entries, match)
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout())(wire.EncodeEntries(entries))
				}
				printEntries(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&domainFlags, "domain", nil, "limit to domains: documents, data")
	cmd.Flags().StringVar(&match, "match", "", "only files matching a glob, ** allowed (e.g. **/*.csv)")
	return cmd
}

// matchEntries keeps the files whose path matches pattern.
func matchEntries(entries []remote.Entry, pattern string) []remote.Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if ok, _ := doublestar.Match(pattern, e.Path.Key()); ok {
			out = append(out, e)
		}
	}
	return out
}

func printEntries(out io.Writer, entries []remote.Entry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		size := "-"
		if e.Size != nil {
			size = humanize.Bytes(uint64(*e.Size))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", stateLabel(e), size, pathLabel(e))
	}
	w.Flush()
}

func stateLabel(e remote.Entry) string {
	switch {
	case e.IsDir:
		return "dir"
	case e.HasUnresolvedConflict:
		return red("conflict")
	case e.UploadState == remote.NotUploaded || e.UploadState == remote.Uploading:
		return yellow("pending")
	case e.DownloadState == remote.Materialized:
		return green("local")
	case e.DownloadState == remote.Materializing:
		return yellow("fetching")
	}
	return "remote"
}

func pathLabel(e remote.Entry) string {
	if e.IsDir {
		return cyan(e.Path.AsDir().String())
	}
	return e.Path.String()
}

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat PATH",
		Short: "Show the indexed attributes of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				e, err := v.QueryMetadata(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout())(wire.EncodeEntry(e))
				}
				printStat(cmd.OutOrStdout(), e)
				return nil
			})
		},
	}
}

func printStat(out io.Writer, e remote.Entry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "path:\t%s\n", pathLabel(e))
	fmt.Fprintf(w, "state:\t%s\n", stateLabel(e))
	if e.Size != nil {
		fmt.Fprintf(w, "size:\t%s (%d bytes)\n", humanize.Bytes(uint64(*e.Size)), *e.Size)
	}
	if e.ContentChangedAt != nil {
		fmt.Fprintf(w, "modified:\t%s (%s)\n", e.ContentChangedAt.Format(time.RFC3339), humanize.Time(*e.ContentChangedAt))
	}
	if e.CreatedAt != nil {
		fmt.Fprintf(w, "created:\t%s\n", e.CreatedAt.Format(time.RFC3339))
	}
	if e.ETag != "" {
		fmt.Fprintf(w, "etag:\t%s\n", e.ETag)
	}
	if !e.IsDir {
		fmt.Fprintf(w, "download:\t%s\n", e.DownloadState)
		fmt.Fprintf(w, "upload:\t%s\n", e.UploadState)
	}
	if e.DownloadError != "" {
		fmt.Fprintf(w, "download error:\t%s\n", red(e.DownloadError))
	}
	if e.UploadError != "" {
		fmt.Fprintf(w, "upload error:\t%s\n", red(e.UploadError))
	}
	w.Flush()
}

func newExistsCmd(a *app) *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "exists PATH",
		Short: "Report whether an item exists, materialized or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := itempath.ParseMode(modeFlag)
			if err != nil {
				return volerr.Wrap(volerr.KindInvalidArgument, "exists", args[0], err)
			}
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				ok, err := v.QueryExists(cmd.Context(), args[0], mode)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout())(json.Marshal(map[string]bool{"exists": ok}))
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "either", "item kind: file, directory or either")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get PATH [DEST]",
		Short: "Download an item to a local file, materializing it first",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := filepath.Base(strings.TrimSuffix(args[0], "/"))
			if len(args) == 2 {
				dest = args[1]
			}
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				tmp, err := os.CreateTemp(filepath.Dir(dest), ".syftvolume-get-*")
				if err != nil {
					return err
				}
				defer os.Remove(tmp.Name())

				op, err := v.BeginDownload(cmd.Context(), args[0], tmp)
				if err != nil {
					tmp.Close()
					return err
				}
				if err := a.follow(cmd.Context(), cmd.OutOrStdout(), op); err != nil {
					tmp.Close()
					return err
				}
				if err := tmp.Close(); err != nil {
					return err
				}
				return os.Rename(tmp.Name(), dest)
			})
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	var onConflict string
	cmd := &cobra.Command{
		Use:   "put SRC PATH",
		Short: "Upload a local file and wait until the remote store has it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := parseResolver(onConflict)
			if err != nil {
				return err
			}
			src, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			opts := func(o *volume.Options) { o.Resolver = resolver }
			return a.withVolume(cmd.Context(), opts, func(v *volume.Volume) error {
				op, err := v.BeginUpload(cmd.Context(), src, args[1])
				if err != nil {
					return err
				}
				return a.follow(cmd.Context(), cmd.OutOrStdout(), op)
			})
		},
	}
	cmd.Flags().StringVar(&onConflict, "on-conflict", "fail", "conflict policy: fail or most-recent")
	return cmd
}

func parseResolver(name string) (volume.ConflictResolver, error) {
	switch name {
	case "", "fail", "defer":
		return volume.DeferToCaller{}, nil
	case "most-recent":
		return volume.MostRecent{}, nil
	}
	return nil, volerr.Newf(volerr.KindInvalidArgument, "on-conflict", "", "unknown conflict policy %q", name)
}

func newCatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Print the bytes of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				data, err := v.CoordinatedRead(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func newMvCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv FROM TO",
		Short: "Move an item or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				return v.Move(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func newCpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cp FROM TO",
		Short: "Copy an item or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				return v.Copy(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm PATH",
		Short: "Delete an item or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				return v.Delete(cmd.Context(), args[0])
			})
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var domainFlags []string
	cmd := &cobra.Command{
		Use:   "watch [PREFIX]",
		Short: "Print every index snapshot beneath a prefix until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			domains, err := parseDomains(domainFlags)
			if err != nil {
				return err
			}
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				out := cmd.OutOrStdout()
				h, err := v.Watch(cmd.Context(), prefix, func(ev remote.Event) {
					if a.jsonOut {
						data, err := wire.EncodeEntries(ev.Snapshot)
						if err == nil {
							fmt.Fprintf(out, `{"kind":%q,"entries":%s}`+"\n", ev.Kind, data)
						}
						return
					}
					fmt.Fprintf(out, "%s %s (%d items)\n", cyan(time.Now().Format(time.TimeOnly)), ev.Kind, len(ev.Snapshot))
					printEntries(out, ev.Snapshot)
				}, domains...)
				if err != nil {
					return err
				}
				defer h.Stop()
				<-cmd.Context().Done()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&domainFlags, "domain", nil, "limit to domains: documents, data")
	return cmd
}

func newVersionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "versions PATH",
		Short: "List the local and remote candidates of a conflicted item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				versions, err := v.Versions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout())(wire.EncodeVersions(versions))
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, ver := range versions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ver.Source, humanize.Bytes(uint64(ver.Size)), humanize.Time(ver.ModifiedAt), ver.ETag)
				}
				return w.Flush()
			})
		},
	}
}

func newResolveCmd(a *app) *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve PATH",
		Short: "Settle a conflict by keeping the local or the remote version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := remote.VersionSource(keep)
			if source != remote.VersionLocal && source != remote.VersionRemote {
				return volerr.Newf(volerr.KindInvalidArgument, "resolve", args[0], "--keep must be local or remote, got %q", keep)
			}
			return a.withVolume(cmd.Context(), nil, func(v *volume.Volume) error {
				return v.ResolveConflict(cmd.Context(), args[0], source)
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "version to keep: local or remote")
	cmd.MarkFlagRequired("keep")
	return cmd
}

// writeJSON returns a sink for the result of an encoder call.
func writeJSON(out io.Writer) func([]byte, error) error {
	return func(data []byte, err error) error {
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	}
}
