// Command dircache is a small inspection tool for the consensus
// directory subsystem's on-disk state: it exposes the GETINFO surface
// (spec §6) and a microdescriptor-cache compaction subcommand, following
// the teacher's cmd/* tools' cobra-based CLI style (cmd/ping, cmd/dirauth).
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/veilmesh/relay/config"
	"github.com/veilmesh/relay/consensus"
	"github.com/veilmesh/relay/core/clock"
	"github.com/veilmesh/relay/microdesc"
)

var configPath string
var flavorFlag string

func main() {
	root := &cobra.Command{
		Use:   "dircache",
		Short: "inspect and maintain a consensus directory cache",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/veilmesh-relay/relay.toml", "path to the relay configuration file")
	root.PersistentFlags().StringVar(&flavorFlag, "flavor", "", `consensus flavor to query ("ns" or "microdesc"); defaults to the configured usable flavor`)

	root.AddCommand(newGetInfoCmd())
	root.AddCommand(newCompactCmd())
	root.AddCommand(newDumpBridgesCmd())
	root.AddCommand(newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// plainFormatter renders a RouterStatus in a simple "nickname hexid
// flags" line; the real wire format belongs to the parser/writer
// external collaborator (spec §1), which this inspection tool does not
// implement.
type plainFormatter struct{}

func (plainFormatter) FormatRouterStatus(rs *consensus.RouterStatus) string {
	return fmt.Sprintf("%s %s flags=%04x\n", rs.Nickname, hex.EncodeToString(rs.IdentityDigest), rs.Flags)
}

func loadStore(cfg *config.Config) (*consensus.Store, error) {
	persist, err := consensus.NewPersister(cfg.DataDirectory)
	if err != nil {
		return nil, err
	}
	var authorities []consensus.Authority
	for _, a := range cfg.Authorities {
		id, err := hex.DecodeString(a.IdentityDigest)
		if err != nil {
			return nil, fmt.Errorf("authority %s: bad identity digest: %w", a.Nickname, err)
		}
		authorities = append(authorities, consensus.Authority{IdentityDigest: id, Nickname: a.Nickname})
	}

	usable := consensus.FlavorMicrodesc
	if cfg.UseMicrodescriptors == config.MicrodescNo {
		usable = consensus.FlavorNS
	}
	if flavorFlag != "" {
		f, ok := consensus.ParseFlavorName(flavorFlag)
		if !ok {
			return nil, fmt.Errorf("dircache: unrecognized --flavor %q", flavorFlag)
		}
		usable = f
	}

	store := consensus.NewStore(authorities, noopCertStore{}, nil, noopParser{}, persist, clock.Wall{}, nil, usable, cfg.IsDirectoryCache)
	if errs := store.Bootstrap(cfg.FallbackNetworkstatusFile, cfg.AcceptFallbackObsolete, nil); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "bootstrap: %v\n", e)
		}
	}
	return store, nil
}

func newGetInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "getinfo <key>",
		Short: "query the GETINFO surface (ns/all, ns/id/<hex>, ns/name/<nickname>, ns/purpose/<purpose>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			store, err := loadStore(cfg)
			if err != nil {
				return err
			}
			out, err := store.GetInfo(args[0], plainFormatter{})
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	return cmd
}

func newCompactCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "compact the microdescriptor cache journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			persist, err := consensus.NewPersister(cfg.DataDirectory)
			if err != nil {
				return err
			}
			cache, err := microdesc.Open(cfg.DataDirectory, persist.MicrodescCachePath(), persist.MicrodescJournalPath(), lineSplitter{}, nil, clock.Wall{})
			if err != nil {
				return err
			}
			defer cache.Close()
			cache.SetHasLiveMicrodescConsensus(true)
			if !force && !cache.NeedsCompaction() {
				fmt.Println("compaction not needed")
				return nil
			}
			now := clock.Wall{}.Now()
			if err := cache.Rebuild(persist.MicrodescCachePath(), persist.MicrodescJournalPath(), now.Add(-microdesc.TolerateAge), force); err != nil {
				return err
			}
			fmt.Println("compaction complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "force compaction even if below the journal-size threshold")
	return cmd
}

// newDumpBridgesCmd writes the current bridge-purpose listing to
// <DataDirectory>/networkstatus-bridges, grounded on
// networkstatus_dump_bridge_status_to_file (which itself just calls the
// GETINFO ns/purpose/bridge helper and writes the result to disk).
func newDumpBridgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-bridges",
		Short: "write the current ns/purpose/bridge listing to <DataDirectory>/networkstatus-bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			store, err := loadStore(cfg)
			if err != nil {
				return err
			}
			status, err := store.GetInfo("ns/purpose/bridge", plainFormatter{})
			if err != nil {
				return err
			}
			path := cfg.DataDirectory + "/networkstatus-bridges"
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, []byte(status), 0600); err != nil {
				return err
			}
			return os.Rename(tmp, path)
		},
	}
	return cmd
}

// newStatsCmd reports microdescriptor cache population and average
// body size, the microdesc_average_size/n_seen bookkeeping the original
// source keeps for download-batch size estimates.
func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "report microdescriptor cache population and average body size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			persist, err := consensus.NewPersister(cfg.DataDirectory)
			if err != nil {
				return err
			}
			cache, err := microdesc.Open(cfg.DataDirectory, persist.MicrodescCachePath(), persist.MicrodescJournalPath(), lineSplitter{}, nil, clock.Wall{})
			if err != nil {
				return err
			}
			defer cache.Close()
			fmt.Printf("microdescs=%d average_size=%d\n", cache.Count(), cache.AverageSize())
			return nil
		},
	}
	return cmd
}

// lineSplitter is a minimal BodySplitter for inspection purposes: it
// treats a descriptor body as ending at the next blank line, which is
// sufficient for this tool's read-only compaction use and does not
// reach into the parser external collaborator's actual grammar.
type lineSplitter struct{}

func (lineSplitter) NextBodyLength(remaining []byte) (int, error) {
	idx := strings.Index(string(remaining), "\n\n")
	if idx < 0 {
		return len(remaining), nil
	}
	return idx + 2, nil
}

type noopCertStore struct{}

func (noopCertStore) Lookup(identityDigest, signingKeyDigest []byte) (*consensus.Cert, bool) {
	return nil, false
}
func (noopCertStore) CertExpired(*consensus.Cert, time.Time) bool      { return true }
func (noopCertStore) DownloadRecentlyFailed(identityDigest []byte) bool { return false }

type noopParser struct{}

func (noopParser) ParseConsensus(raw []byte) (*consensus.Consensus, error) {
	return nil, fmt.Errorf("dircache: live parsing not implemented in the inspection tool")
}
