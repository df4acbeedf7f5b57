// Copyright 2025 The nexus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Nexus Chat Example - Demonstrates cross-process pub/sub over the bus
//
// Run several instances in separate terminals on the same host; they find
// each other through the shared-memory registry and the loopback port range.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nexusipc/nexus"
)

var (
	name    = flag.String("name", "", "Node id (default: auto-generated)")
	group   = flag.String("group", "chat", "Message group to join")
	topic   = flag.String("topic", "room", "Topic within the group")
	verbose = flag.Bool("verbose", false, "Verbose output")
)

func main() {
	flag.Parse()

	fmt.Println("=== Nexus Chat Example ===")
	fmt.Printf("Group: %s  Topic: %s\n", *group, *topic)

	cfg := nexus.ConfigFromEnv()
	if *verbose {
		cfg.Logger = nexus.NewLogger(nexus.LogLevelDebug)
	}

	node, err := nexus.NewNodeWithConfig(*name, cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer node.Close()

	fmt.Printf("Node id: %s (udp port %d)\n", node.ID(), node.UDPPort())

	err = node.Subscribe(*group, []string{*topic}, func(group, topic string, payload []byte) {
		fmt.Printf("\r<- [%s/%s] %s\n> ", group, topic, payload)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	// Forward stdin lines to the bus until EOF or a signal.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-sigs:
			fmt.Println("\nLeaving the bus")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("> ")
				continue
			}
			msg := fmt.Sprintf("%s: %s", node.ID(), line)
			if err := node.Publish(*group, *topic, []byte(msg)); err != nil {
				fmt.Printf("publish failed: %v\n", err)
			}
			fmt.Print("> ")
		}
	}
}
