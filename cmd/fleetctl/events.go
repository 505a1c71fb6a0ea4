package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "持续输出生命周期事件，直到中断",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			stream, wait, err := c.Events(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for e := range stream {
				if opts.output == "json" {
					data, err := json.Marshal(e)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					continue
				}
				line := fmt.Sprintf("%s  %-18s %s", e.Time.Local().Format("15:04:05"), e.Type, e.Agent)
				if e.Status != "" {
					line += fmt.Sprintf("  %s -> %s", e.Previous, e.Status)
				}
				if e.Message != "" {
					line += "  " + e.Message
				}
				fmt.Fprintln(out, line)
			}
			return wait()
		},
	}
}
