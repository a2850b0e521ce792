package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scoutfs/scoutd/pkg/scoutctl"
	"github.com/scoutfs/scoutd/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scoutctl",
	Short: "scoutctl issues admin RPCs against a running scoutd",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:9977", "scoutd RPC address")
	rootCmd.PersistentFlags().Uint64("rid", 1, "rid this client identifies itself as")

	rootCmd.AddCommand(greetCmd)
	rootCmd.AddCommand(allocInodesCmd)
	rootCmd.AddCommand(rootsCmd)
	rootCmd.AddCommand(lastSeqCmd)
	rootCmd.AddCommand(volOptCmd)
	rootCmd.AddCommand(farewellCmd)

	volOptCmd.AddCommand(volOptGetCmd)
	volOptCmd.AddCommand(volOptSetCmd)
	volOptCmd.AddCommand(volOptClearCmd)
}

func dial(cmd *cobra.Command) (*scoutctl.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	rid, _ := cmd.Flags().GetUint64("rid")
	return scoutctl.Dial(addr, rid)
}

var greetCmd = &cobra.Command{
	Use:   "greet",
	Short: "Send GREETING and register this rid as mounted",
	RunE: func(cmd *cobra.Command, args []string) error {
		fsid, _ := cmd.Flags().GetUint64("fsid")
		version, _ := cmd.Flags().GetUint64("fs-version")
		serverTerm, _ := cmd.Flags().GetUint64("server-term")
		quorum, _ := cmd.Flags().GetBool("quorum")

		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Greeting(fsid, version, serverTerm, quorum); err != nil {
			return err
		}
		fmt.Println("greeting accepted")
		return nil
	},
}

func init() {
	greetCmd.Flags().Uint64("fsid", 0, "expected filesystem identifier")
	greetCmd.Flags().Uint64("fs-version", 1, "expected filesystem format version")
	greetCmd.Flags().Uint64("server-term", 0, "0 for a fresh mount, nonzero for a reconnect")
	greetCmd.Flags().Bool("quorum", false, "mount as quorum-eligible")
}

var allocInodesCmd = &cobra.Command{
	Use:   "alloc-inodes COUNT",
	Short: "Allocate a range of inode numbers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var count uint64
		if _, err := fmt.Sscanf(args[0], "%d", &count); err != nil {
			return fmt.Errorf("invalid count %q: %w", args[0], err)
		}

		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ino, nr, err := c.AllocInodes(count)
		if err != nil {
			return err
		}
		fmt.Printf("ino=%d nr=%d\n", ino, nr)
		return nil
	},
}

var rootsCmd = &cobra.Command{
	Use:   "roots",
	Short: "Print the volume's current stable roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		roots, err := c.GetRoots()
		if err != nil {
			return err
		}
		fmt.Printf("fs_root:   blkno=%d seq=%d\n", roots.FS.Blkno, roots.FS.Seq)
		fmt.Printf("logs_root: blkno=%d seq=%d\n", roots.Logs.Blkno, roots.Logs.Seq)
		fmt.Printf("srch_root: blkno=%d seq=%d\n", roots.Srch.Blkno, roots.Srch.Seq)
		return nil
	},
}

var lastSeqCmd = &cobra.Command{
	Use:   "last-seq",
	Short: "Print the last fully-closed transaction sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		seq, err := c.GetLastSeq()
		if err != nil {
			return err
		}
		fmt.Println(seq)
		return nil
	},
}

var volOptCmd = &cobra.Command{
	Use:   "volopt",
	Short: "Inspect or change volume options",
}

func volOptBitFlag(cmd *cobra.Command) (types.VolOptBit, error) {
	name, _ := cmd.Flags().GetString("bit")
	switch name {
	case "data-alloc-zone-blocks":
		return types.DataAllocZoneBlocksBit, nil
	default:
		return 0, fmt.Errorf("unknown volume option bit %q", name)
	}
}

var volOptGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Read a volume option's value",
	RunE: func(cmd *cobra.Command, args []string) error {
		bit, err := volOptBitFlag(cmd)
		if err != nil {
			return err
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		value, err := c.GetVolOpt(bit)
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var volOptSetCmd = &cobra.Command{
	Use:   "set VALUE",
	Short: "Set a volume option's value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bit, err := volOptBitFlag(cmd)
		if err != nil {
			return err
		}
		var value uint64
		if _, err := fmt.Sscanf(args[0], "%d", &value); err != nil {
			return fmt.Errorf("invalid value %q: %w", args[0], err)
		}

		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		return c.SetVolOpt(bit, value)
	},
}

var volOptClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear a volume option",
	RunE: func(cmd *cobra.Command, args []string) error {
		bit, err := volOptBitFlag(cmd)
		if err != nil {
			return err
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		return c.ClearVolOpt(bit)
	},
}

func init() {
	for _, c := range []*cobra.Command{volOptGetCmd, volOptSetCmd, volOptClearCmd} {
		c.Flags().String("bit", "data-alloc-zone-blocks", "volume option bit name")
	}
}

var farewellCmd = &cobra.Command{
	Use:   "farewell",
	Short: "Send FAREWELL for this rid",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		held, err := c.Farewell()
		if err != nil {
			return err
		}
		if held {
			fmt.Println("held pending quorum")
		} else {
			fmt.Println("reclaimed")
		}
		return nil
	},
}
