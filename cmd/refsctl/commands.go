package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-refstore/pkg/refstore"
	"github.com/tendant/simple-refstore/pkg/refstore/replication"
	"github.com/tendant/simple-refstore/pkg/refstore/snapshot"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func NewHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the blob identifier of files",
		Long:  `Print the blob identifier of each file, as used in X-Content-Hash headers. Use - for stdin.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				data, err := readInput(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", refstore.ComputeBlobIdentifier(data), path)
			}
			return nil
		},
	}
}

func NewGetCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "get <namespace> <bucket> <key>",
		Short: "Download the payload of a reference",
		Long:  `Download the structured payload of a reference from a running server and write it to stdout.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnv()
			if err != nil {
				return err
			}
			if server == "" {
				server = env.Server
			}
			client, err := replication.NewClient(replication.ClientConfig{
				BaseURL:  server,
				Token:    env.Token,
				RetryMax: 2,
				Logger:   newLogger(cmd),
			})
			if err != nil {
				return err
			}

			payload, err := client.GetRef(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(payload)
			return err
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server URL (default $REFSTORE_SERVER)")
	return cmd
}

func NewSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Build and inspect replication log snapshots",
	}
	cmd.AddCommand(newSnapshotBuildCommand())
	cmd.AddCommand(newSnapshotInspectCommand())
	return cmd
}

func newSnapshotBuildCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build snapshots of the configured store",
		Long:  `Build a snapshot of one namespace, or of every namespace, and apply retention.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := buildComponents(cmd)
			if err != nil {
				return err
			}
			defer components.Close()

			if namespace != "" {
				info, err := components.Snapshots.BuildSnapshot(cmd.Context(), namespace, "")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), []refstore.SnapshotInfo{*info})
			}
			infos, err := components.Snapshots.BuildAll(cmd.Context())
			if infos == nil {
				infos = []refstore.SnapshotInfo{}
			}
			if printErr := printJSON(cmd.OutOrStdout(), infos); printErr != nil {
				return printErr
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace to snapshot (default all)")
	return cmd
}

func newSnapshotInspectCommand() *cobra.Command {
	var listObjects bool

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Describe a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			snap, err := snapshot.Decode(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "blob:         %s\n", refstore.ComputeBlobIdentifier(data))
			fmt.Fprintf(out, "watermark:    %s\n", snap.Watermark())
			fmt.Fprintf(out, "live objects: %d\n", len(snap.LiveObjects))
			if !listObjects {
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BUCKET\tKEY\tBLOB")
			for _, obj := range snap.LiveObjects {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", obj.Bucket, obj.Key, obj.Blob)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&listObjects, "objects", false, "list live objects")
	return cmd
}

func NewReplicateCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Run the configured replicators once",
		Long: `Run one replication round of each configured replicator, or of the one
named with --name, and print the resulting status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := buildComponents(cmd)
			if err != nil {
				return err
			}
			defer components.Close()

			replicators := components.Replicators.List()
			if name != "" {
				r, ok := components.Replicators.Get(name)
				if !ok {
					return fmt.Errorf("no replicator named %q", name)
				}
				replicators = []*replication.Replicator{r}
			}
			if len(replicators) == 0 {
				return errors.New("no replicators configured (set REFSTORE_REPLICATE_FROM and REFSTORE_REPLICATE_NAMESPACES)")
			}

			var errs []error
			statuses := make([]replication.Status, 0, len(replicators))
			for _, r := range replicators {
				if _, err := r.TriggerNewReplications(cmd.Context()); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
				}
				statuses = append(statuses, r.Status())
			}
			if err := printJSON(cmd.OutOrStdout(), statuses); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "replicator to run (default all)")
	return cmd
}
