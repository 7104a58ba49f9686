package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "streamcore",
	Short: "streamcore is a WebRTC signaling and media-relay server for cloud game streaming",
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
