// Copyright 2025 The tossbot Authors
// This file is part of tossbot.
//
// tossbot is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// tossbot is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with tossbot. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

var listCommand = &cli.Command{
	Action: listTosses,
	Name:   "list",
	Usage:  "Print the stored tosses",
	Description: `Reads the toss database and prints one line per toss. The leveldb
backend is single-process: run this while the bot is stopped, or point it at
a copy of the data directory.`,
	Flags: []cli.Flag{
		configFileFlag,
		dataDirFlag,
		chainFlag,
		dbBackendFlag,
	},
}

func listTosses(ctx *cli.Context) error {
	cfg, chainCfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	st, err := openStore(cfg, chainCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	all, err := st.AllTosses()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("no tosses stored")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Created", "Status", "Topic", "Stake", "Pot", "Players", "Result", "Escrow"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetColWidth(60)
	for _, ts := range all {
		table.Append([]string{
			ts.ID,
			time.UnixMilli(ts.CreatedAt).Format("2006-01-02 15:04"),
			string(ts.Status),
			ts.Topic,
			ts.Stake.String(),
			ts.Pot().String(),
			strconv.Itoa(len(ts.Participants)),
			ts.Result,
			ts.WalletAddress.Hex(),
		})
	}
	table.Render()
	return nil
}
