package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"AgentFleet/sdk/go/fleet"
)

const defaultServer = "http://localhost:8080"

// options 保存全局参数，每个命令树各持一份，便于测试。
type options struct {
	server  string
	token   string
	output  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "管理 AgentFleet 中的对话智能体",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("FLEET_SERVER")
	if server == "" {
		server = defaultServer
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", server, "fleetd 地址，可用 FLEET_SERVER 设置")
	flags.StringVar(&opts.token, "token", os.Getenv("FLEET_TOKEN"), "API 访问令牌，可用 FLEET_TOKEN 设置")
	flags.StringVarP(&opts.output, "output", "o", "table", "输出格式: table 或 json")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "单次请求超时")

	root.AddCommand(
		newAgentsCmd(opts),
		newCreateCmd(opts),
		newGetCmd(opts),
		newDeleteCmd(opts),
		newTrainCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newLogsCmd(opts),
		newChatCmd(opts),
		newConversationsCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

func (o *options) client() (*fleet.Client, error) {
	// 单次请求的超时由 --timeout 经 context 控制。
	c, err := fleet.NewClient(o.server, &http.Client{})
	if err != nil {
		return nil, err
	}
	c.SetToken(o.token)
	return c, nil
}

// render 按输出格式打印结果，table 格式由 table 回调负责。
func (o *options) render(w io.Writer, v any, table func(io.Writer) error) error {
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "table", "":
		return table(w)
	default:
		return fmt.Errorf("不支持的输出格式: %s", o.output)
	}
}
