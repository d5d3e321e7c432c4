package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdstack-network/mdstack/pkg/cli"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running daemon",
	Long: `Query a running mdstackd's diagnostics API and render slot
arbitration, data networks, and pending requests.

  mdstackd status
  mdstackd status --addr otherhost:8780`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr = cfg.Diag.Addr
		}
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		base := "http://" + addr

		var st stackStatus
		if err := getJSON(base+"/status", &st); err != nil {
			return fmt.Errorf("querying %s: %w (is mdstackd running?)", base, err)
		}

		fmt.Println(cli.Bold("mdstackd " + st.Version))
		fmt.Printf("%s %d\n", cli.DotPad("default data sub", 24), st.DefaultDataSub)
		fmt.Printf("%s %d (%s)\n", cli.DotPad("authoritative sub", 24), st.AuthoritativeSub, st.Source)
		if st.AutoSwitched {
			fmt.Printf("%s %s\n", cli.DotPad("auto switch", 24), cli.Yellow("active"))
		}
		fmt.Println()

		var slots []slotStatus
		if err := getJSON(base+"/slots", &slots); err != nil {
			return err
		}
		tbl := cli.NewTable("SLOT", "SUB", "DATA")
		for _, sl := range slots {
			data := cli.Dim("blocked")
			if sl.Allowed {
				data = cli.Green("allowed")
			}
			tbl.Row(strconv.Itoa(sl.Slot), strconv.Itoa(sl.SubID), data)
		}
		tbl.Flush()
		fmt.Println()

		var nets []subNetworks
		if err := getJSON(base+"/networks", &nets); err != nil {
			return err
		}
		tbl = cli.NewTable("SUB", "GROUP", "STATE", "PROFILE", "IFACE", "ADDRESSES")
		for _, sn := range nets {
			for _, n := range sn.Networks {
				tbl.Row(
					strconv.Itoa(sn.SubID),
					n.Group,
					cli.StateColor(n.State.String()),
					n.Profile,
					n.Link.InterfaceName,
					strings.Join(n.Link.Addresses, " "),
				)
			}
		}
		tbl.Flush()

		var reqs []subRequests
		if err := getJSON(base+"/requests", &reqs); err != nil {
			return err
		}
		for _, sr := range reqs {
			if len(sr.Requests) == 0 {
				continue
			}
			fmt.Printf("\nsub %d requests:\n", sr.SubID)
			for _, r := range sr.Requests {
				fmt.Println("  " + r)
			}
		}
		return nil
	},
}

func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Diagnostics API address (default from config)")
}
