package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/imReese/NexusTree/pkg/bptree"
	"github.com/imReese/NexusTree/pkg/storage"
)

func newCreateCmd() *cobra.Command {
	var (
		typ    string
		factor int
	)
	cmd := &cobra.Command{
		Use:   "create <tree>",
		Short: "Create an empty tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kt, err := bptree.ParseKeyType(typ)
			if err != nil {
				return err
			}
			return withStore(func(s *storage.Store) error {
				t, err := s.CreateTree(args[0], kt, factor)
				if err != nil {
					return err
				}
				defer s.ReleaseTree(t)
				fmt.Fprintf(cmd.OutOrStdout(), "created %s type=%s factor=%d\n", t.Path(), t.KeyType(), t.Factor())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "bytes", "key type: bytes or int")
	cmd.Flags().IntVarP(&factor, "factor", "f", 0, "branch factor, 0 uses the configured default")
	return cmd
}

func writeOptions(update, sync bool) []storage.WriteOption {
	var opts []storage.WriteOption
	if update {
		opts = append(opts, storage.WithUpdate())
	}
	if sync {
		opts = append(opts, storage.WithSync())
	}
	return opts
}

func newPutCmd() *cobra.Command {
	var update, sync bool
	cmd := &cobra.Command{
		Use:   "put <tree> <key> <value>",
		Short: "Insert a record",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(args[0], func(s *storage.Store, t *storage.Tree) error {
				inserted, err := s.Insert(t, []byte(args[1]), []byte(args[2]), writeOptions(update, sync)...)
				if err != nil {
					return err
				}
				if inserted {
					fmt.Fprintln(cmd.OutOrStdout(), "inserted")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "updated")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&update, "update", "u", false, "overwrite an existing value")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait until the record is on disk")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <tree> <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(args[0], func(s *storage.Store, t *storage.Tree) error {
				it, err := s.Find(t, []byte(args[1]))
				if err != nil {
					return err
				}
				defer it.Close()
				v, err := it.Value()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", v)
				return nil
			})
		},
	}
}

func newDelCmd() *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "del <tree> <key>",
		Short: "Erase a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(args[0], func(s *storage.Store, t *storage.Tree) error {
				return s.Erase(t, []byte(args[1]), writeOptions(false, sync)...)
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "wait until the change is on disk")
	return cmd
}

// printRange 从 it 开始沿一个方向输出, limit 为 0 表示不限.
func printRange(cmd *cobra.Command, it *storage.Iterator, reverse bool, limit int) error {
	for n := 0; it.Valid() && (limit == 0 || n < limit); n++ {
		v, err := it.Value()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", it.Key(), v)
		if reverse {
			_, err = it.MoveBack()
		} else {
			_, err = it.MoveForward()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newScanCmd() *cobra.Command {
	var (
		reverse bool
		from    string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "scan <tree>",
		Short: "Print records in key order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(args[0], func(s *storage.Store, t *storage.Tree) error {
				var (
					it  *storage.Iterator
					err error
				)
				switch {
				case from != "" && reverse:
					it, err = s.FindBound(t, []byte(from), storage.Lower)
				case from != "":
					it, err = s.FindBound(t, []byte(from), storage.Upper)
				case reverse:
					it, err = s.End(t)
				default:
					it, err = s.Begin(t)
				}
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				defer it.Close()
				return printRange(cmd, it, reverse, limit)
			})
		},
	}
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "iterate from the largest key")
	cmd.Flags().StringVar(&from, "from", "", "start at the nearest key in the scan direction")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after n records")
	return cmd
}

func newBoundCmd() *cobra.Command {
	var upper bool
	cmd := &cobra.Command{
		Use:   "bound <tree> <key>",
		Short: "Print the greatest key <= key, or the least key >= key with --upper",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bound := storage.Lower
			if upper {
				bound = storage.Upper
			}
			return withTree(args[0], func(s *storage.Store, t *storage.Tree) error {
				it, err := s.FindBound(t, []byte(args[1]), bound)
				if err != nil {
					return err
				}
				defer it.Close()
				return printRange(cmd, it, false, 1)
			})
		},
	}
	cmd.Flags().BoolVar(&upper, "upper", false, "search upwards")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "inspect <tree>",
		Short: "Dump the tree level by level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTree(args[0], func(s *storage.Store, t *storage.Tree) error {
				if err := s.Inspect(t, cmd.OutOrStdout()); err != nil {
					return err
				}
				if !verify {
					return nil
				}
				if err := s.Verify(t); err != nil {
					return errors.Wrap(err, "verify")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "verify ok")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "check structural invariants after the dump")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache and write-back statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *storage.Store) error {
				st := s.Stats()
				fmt.Fprintf(cmd.OutOrStdout(),
					"trees=%d internal=%d leaves=%d capacities=%+v pending=%d blob_hit_ratio=%.2f\n",
					st.Trees, st.Internal, st.Leaves, st.Capacities, st.PendingWrites, st.BlobHitRatio)
				return nil
			})
		},
	}
}
