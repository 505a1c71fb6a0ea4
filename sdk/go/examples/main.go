// 演示如何用 Go SDK 驱动一个智能体从注册到对话的完整流程。
//
//	FLEET_SERVER=http://localhost:8080 go run ./sdk/go/examples greeter
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"AgentFleet/sdk/go/fleet"
)

func main() {
	server := os.Getenv("FLEET_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	name := "greeter"
	if len(os.Args) > 1 {
		name = os.Args[1]
	}

	client, err := fleet.NewClient(server, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetToken(os.Getenv("FLEET_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	ag, err := client.CreateAgent(ctx, name)
	switch {
	case fleet.HasCode(err, "ALREADY_EXISTS"):
		if ag, err = client.GetAgent(ctx, name); err != nil {
			log.Fatal(err)
		}
	case err != nil:
		log.Fatal(err)
	}
	fmt.Printf("agent %s on port %d (%s)\n", ag.Name, ag.Port, ag.Status)

	if ag.Status != fleet.StatusRunning {
		if ag.TrainedAt == 0 {
			if _, err := client.Train(ctx, name); err != nil {
				log.Fatal(err)
			}
			if _, err := client.WaitForStatus(ctx, name, 2*time.Second, fleet.StatusReady); err != nil {
				log.Fatal(err)
			}
			fmt.Println("training finished")
		}
		if ag, err = client.Start(ctx, name); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("started with pid %d\n", ag.PID)
	}

	for _, text := range []string{"hello", "what can you do?"} {
		tr, err := client.Chat(ctx, name, "sdk-demo", text)
		if err != nil {
			log.Fatal(err)
		}
		for _, m := range tr.Messages {
			fmt.Printf("%s: %s\n", tr.Agent, m.Text)
		}
	}
}
