package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"AgentFleet/sdk/go/fleet"
)

func newAgentsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls", "list"},
		Short:   "列出全部智能体",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			agents, err := c.ListAgents(ctx)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), agents, func(w io.Writer) error {
				names := make([]string, 0, len(agents))
				for name := range agents {
					names = append(names, name)
				}
				sort.Strings(names)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tPORT\tSTATUS\tUPDATED\tLAST ERROR")
				for _, name := range names {
					a := agents[name]
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", name, a.Port, a.Status, formatUnix(a.UpdatedAt), a.LastError)
				}
				return tw.Flush()
			})
		},
	}
}

func newCreateCmd(opts *options) *cobra.Command {
	return agentCmd(opts, "create <name>", "注册新的智能体并分配端口",
		func(ctx context.Context, c *fleet.Client, name string) (fleet.Agent, error) {
			return c.CreateAgent(ctx, name)
		})
}

func newGetCmd(opts *options) *cobra.Command {
	return agentCmd(opts, "get <name>", "查看智能体详情",
		func(ctx context.Context, c *fleet.Client, name string) (fleet.Agent, error) {
			return c.GetAgent(ctx, name)
		})
}

func newStopCmd(opts *options) *cobra.Command {
	return agentCmd(opts, "stop <name>", "停止运行中的智能体",
		func(ctx context.Context, c *fleet.Client, name string) (fleet.Agent, error) {
			return c.Stop(ctx, name)
		})
}

func newTrainCmd(opts *options) *cobra.Command {
	var wait bool
	cmd := agentCmd(opts, "train <name>", "提交训练任务",
		func(ctx context.Context, c *fleet.Client, name string) (fleet.Agent, error) {
			ag, err := c.Train(ctx, name)
			if err != nil || !wait {
				return ag, err
			}
			return c.WaitForStatus(ctx, name, time.Second, fleet.StatusReady)
		})
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "等待训练结束")
	return cmd
}

func newStartCmd(opts *options) *cobra.Command {
	return agentCmd(opts, "start <name>", "启动智能体并等待其就绪",
		func(ctx context.Context, c *fleet.Client, name string) (fleet.Agent, error) {
			return c.Start(ctx, name)
		})
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "删除未运行的智能体",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := c.DeleteAgent(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已删除 %s\n", args[0])
			return nil
		},
	}
}

func newLogsCmd(opts *options) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "查看智能体进程的最近输出",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			out, err := c.Logs(ctx, args[0], lines)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) error {
				for _, line := range out {
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "返回的行数")
	return cmd
}

// agentCmd 构造针对单个智能体、返回其记录的命令。
func agentCmd(opts *options, use, short string, call func(context.Context, *fleet.Client, string) (fleet.Agent, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			ag, err := call(ctx, c, args[0])
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), ag, func(w io.Writer) error {
				return printAgent(w, ag)
			})
		},
	}
}

func printAgent(w io.Writer, ag fleet.Agent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", ag.Name)
	fmt.Fprintf(tw, "Port:\t%d\n", ag.Port)
	fmt.Fprintf(tw, "Status:\t%s\n", ag.Status)
	if ag.PID > 0 {
		fmt.Fprintf(tw, "PID:\t%d\n", ag.PID)
	}
	if ag.TrainedAt > 0 {
		fmt.Fprintf(tw, "Trained:\t%s\n", formatUnix(ag.TrainedAt))
	}
	if ag.LastError != "" {
		fmt.Fprintf(tw, "Error:\t%s (%s)\n", ag.LastError, ag.ErrorCode)
	}
	fmt.Fprintf(tw, "Updated:\t%s\n", formatUnix(ag.UpdatedAt))
	return tw.Flush()
}

func formatUnix(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).Local().Format(time.DateTime)
}
