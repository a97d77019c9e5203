package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dune/merge-utils/internal/local"
	"github.com/dune/merge-utils/internal/mergeset"
	"github.com/dune/merge-utils/internal/metadata"
	"github.com/dune/merge-utils/internal/retriever"
	"github.com/dune/merge-utils/internal/rse"
	"github.com/dune/merge-utils/internal/scheduler"
)

// ErrInconsistent is returned by validate when the files do not match.
var ErrInconsistent = errors.New("file metadata is not consistent")

// remoteRunner lists remote xroot paths for check-files.
var remoteRunner rse.Runner = rse.ExecRunner{}

const remoteTimeout = 5 * time.Second

func addInputFlags(cmd *cobra.Command, in *inputFlags) {
	cmd.Flags().StringVarP(&in.query, "query", "q", "", "MetaCat query to find files")
	cmd.Flags().StringVarP(&in.listFile, "filelist", "f", "", "a file containing a list of file DIDs")
}

func newListDIDsCmd(a *app) *cobra.Command {
	in := &inputFlags{}
	cmd := &cobra.Command{
		Use:   "list-dids [dids...]",
		Short: "Validate files and print their unique DIDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			dids, err := a.dids(in, args)
			if err != nil {
				return err
			}
			src, err := a.metacatSource(in.query, dids)
			if err != nil {
				return err
			}
			r, err := a.retriever(src, a.cfg.Validation)
			if err != nil {
				return err
			}
			if err := r.Run(cmd.Context()); err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), r.Files().DIDs())
			return nil
		},
	}
	addInputFlags(cmd, in)
	return cmd
}

func newListPFNsCmd(a *app) *cobra.Command {
	in := &inputFlags{}
	var all bool
	cmd := &cobra.Command{
		Use:   "list-pfns [dids...]",
		Short: "Find replicas of files and print the merge chunks",
		Long: `Find replicas of files through Rucio, pick a merging site for each file and
print the resulting merge chunks. With --all, print the replicas found on
every RSE instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dids, err := a.dids(in, args)
			if err != nil {
				return err
			}
			p, finder, err := a.remotePipeline(cmd.Context(), in.query, dids)
			if err != nil {
				return err
			}
			if err := p.Run(cmd.Context()); err != nil {
				return err
			}
			if all {
				printRSEs(cmd.OutOrStdout(), finder.RSEs())
				return nil
			}
			printChunks(cmd.OutOrStdout(), retriever.Chunks(p.Files(), a.cfg.Merging.ChunkMax))
			return nil
		},
	}
	addInputFlags(cmd, in)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list replicas from all RSEs")
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	in := &inputFlags{}
	var strict, allow bool
	cmd := &cobra.Command{
		Use:   "validate [dids...]",
		Short: "Check files for duplicates, bad metadata and consistency",
		Long: `Check that files exist, are not duplicated, have valid metadata and agree on
the validation.metadata_fields. With --strict the validation.strict_fields
must agree too. The most common value of each field is taken as correct and
every file that differs is reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dids, err := a.dids(in, args)
			if err != nil {
				return err
			}
			src, err := a.metacatSource(in.query, dids)
			if err != nil {
				return err
			}
			cfg := a.cfg.Validation
			// Consistency is checked on the whole set below.
			cfg.MetadataFields = nil
			cfg.AllowDuplicates = allow
			cfg.AllowMissing = allow
			r, err := a.retriever(src, cfg)
			if err != nil {
				return err
			}
			if err := r.Run(cmd.Context()); err != nil {
				return err
			}

			files := r.Files()
			var ok bool
			if strict {
				var looseOK bool
				ok, looseOK = files.CheckStrict(a.cfg.Validation.MetadataFields, a.cfg.Validation.StrictFields)
				if !ok && looseOK {
					a.Logger().Error("Files failed strict consistency checks")
				}
			} else {
				ok = files.CheckConsistency(a.cfg.Validation.MetadataFields)
			}
			if !ok {
				return ErrInconsistent
			}
			printLines(cmd.OutOrStdout(), files.DIDs())
			return nil
		},
	}
	addInputFlags(cmd, in)
	cmd.Flags().BoolVarP(&strict, "strict", "s", false, "also check validation.strict_fields")
	cmd.Flags().BoolVarP(&allow, "allow", "a", false, "allow missing and duplicate files")
	return cmd
}

func newLocalCmd(a *app) *cobra.Command {
	var dirs []string
	cmd := &cobra.Command{
		Use:   "local files...",
		Short: "Merge chunks for local data and metadata files",
		Long: `Pair local data files with <name>.json metadata files, searching next to each
file and then in --dir. Missing metadata is read from MetaCat and missing data
files are located through Rucio.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			found := local.Discover(args, dirs, a.Logger())

			var src retriever.Source
			if found.HasMeta() {
				src = local.NewMetaSource(found, a.cfg.Inputs.Namespace, a.cfg.Validation.BatchSize, a.Logger())
			} else {
				a.Logger().Info("No metadata files found, requesting metadata from MetaCat")
				s, err := a.metacatSource("", found.DIDs(a.cfg.Inputs.Namespace))
				if err != nil {
					return err
				}
				src = s
			}
			r, err := a.retriever(src, a.cfg.Validation)
			if err != nil {
				return err
			}

			var finder retriever.PathFinder
			if found.HasData() {
				a.Logger().Info("Reading data from local files")
				finder = local.NewPathFinder(found.Data, dirs, a.cfg.Validation.Skip.Unreachable, a.Logger())
			} else {
				a.Logger().Info("No data files found, requesting physical file paths from Rucio")
				if finder, err = a.rucioFinder(ctx); err != nil {
					return err
				}
			}

			p := &retriever.Pipeline{Retriever: r, Finder: finder}
			if err := p.Run(ctx); err != nil {
				return err
			}
			printChunks(cmd.OutOrStdout(), retriever.Chunks(p.Files(), a.cfg.Merging.ChunkMax))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&dirs, "dir", nil, "directory to search for data and metadata files (repeatable)")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	in := &inputFlags{}
	cmd := &cobra.Command{
		Use:   "schedule [dids...]",
		Short: "Write justIN merge jobs for files",
		Long: `Run the full pipeline: retrieve and validate metadata, find replicas, split
the files into chunks, write one job file per chunk, upload them and write
pass1.sh and pass2.sh submission scripts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dids, err := a.dids(in, args)
			if err != nil {
				return err
			}
			p, _, err := a.remotePipeline(ctx, in.query, dids)
			if err != nil {
				return err
			}
			if err := p.Run(ctx); err != nil {
				return err
			}

			v, err := metadata.NewValidator(a.cfg.Validation, a.Logger())
			if err != nil {
				return err
			}
			opts := []scheduler.Option{
				scheduler.WithRunID(a.runID),
				scheduler.WithMetrics(a.metrics),
			}
			if cfg := a.cfg.Merging.Methods[a.cfg.Merging.Method].Cfg; cfg != "" {
				if _, err := os.Stat(cfg); err == nil {
					opts = append(opts, scheduler.WithFiles(cfg))
				}
			}
			s := scheduler.New(a.cfg.JustIN, a.cfg.Output.TmpDir,
				metadata.NewMerger(a.cfg, v, a.Logger()),
				scheduler.CVMFSUploader{Cmd: a.cfg.JustIN.UploadCmd},
				a.Logger(), opts...)
			if err := s.Run(ctx, retriever.Chunks(p.Files(), a.cfg.Merging.ChunkMax)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Dir())
			return nil
		},
	}
	addInputFlags(cmd, in)
	return cmd
}

func newCheckFilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-files paths...",
		Short: "Check whether files on FNAL dCache are staged",
		Long: `Report the dCache staging state of local and FNAL files. Other xroot URLs
are listed with xrdfs to check that they can be read.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps := rse.NewPathStatus(a.Logger())
			for _, path := range args {
				ok, msg := local.CheckStaged(cmd.Context(), ps, path)
				if !ok && strings.HasPrefix(path, "root://") && !strings.HasPrefix(path, rse.FNALPrefix) {
					if rse.CheckRemotePath(cmd.Context(), remoteRunner, path, remoteTimeout, a.Logger()) {
						msg = "File is accessible through xrootd"
					} else {
						msg = "File is not accessible through xrootd"
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, msg)
			}
			return nil
		},
	}
}

func newListValuesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-values field",
		Short: "List the distinct MetaCat values of a metadata field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.metacatClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, err = client.ListFieldValues(cmd.Context(), args[0], func(v string) {
				fmt.Fprintln(out, v)
			})
			return err
		},
	}
}

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

func printChunks(w io.Writer, chunks []*mergeset.Chunk) {
	for _, c := range chunks {
		site := c.Site
		if site == "" {
			site = "local"
		}
		fmt.Fprintf(w, "Pass %d chunk at %s: %d files (%s)\n", c.Tier, site, c.Len(), humanize.Bytes(uint64(c.Size())))
		if c.Tier == 2 {
			fmt.Fprintf(w, "  outputs of %d pass 1 chunks\n", len(c.Chunks))
			continue
		}
		printLines(w, indent(c.Paths()))
	}
}

func printRSEs(w io.Writer, rses *rse.Set) {
	for _, name := range rses.Names() {
		r, ok := rses.Get(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "RSE %s:\n", name)
		var pfns []string
		for _, pfn := range r.Disk {
			pfns = append(pfns, pfn)
		}
		for _, pfn := range r.Tape {
			pfns = append(pfns, pfn+" (tape)")
		}
		sort.Strings(pfns)
		printLines(w, indent(pfns))
	}
}

func indent(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "  " + l
	}
	return out
}
