package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	bannerWidth = 60
	version     = "1.0.0"
)

var (
	bannerCyan  = color.New(color.FgCyan).SprintFunc()
	bannerBlue  = color.New(color.FgBlue).SprintFunc()
	bannerBold  = color.New(color.Bold).SprintFunc()
	bannerGreen = color.New(color.FgGreen).SprintFunc()
	bannerFaint = color.New(color.Faint).SprintFunc()
)

// DisplayStartupBanner 显示启动信息横幅
func (s *Server) DisplayStartupBanner(configPath string) {
	fmt.Println()
	fmt.Printf("  %s  _____ _               ____       _       %s\n", bannerCyan(""), "")
	fmt.Printf("  %s |  ___| | _____      _/ ___| __ _| |_ ___ %s    %sFlowGate Control Plane%s\n",
		bannerCyan(""), "", bannerBold(""), "")
	fmt.Printf("  %s | |_  | |/ _ \\ \\ /\\ / / |  _ / _` | __/ _ \\%s\n", bannerBlue(""), "")
	fmt.Printf("  %s |  _| | | (_) \\ V  V /| |_| | (_| | ||  __/%s    %sVersion %s%s\n",
		bannerBlue(""), "", bannerFaint(""), version, "")
	fmt.Printf("  %s |_|   |_|\\___/ \\_/\\_/  \\____|\\__,_|\\__\\___|%s\n", bannerBlue(""), "")
	fmt.Println()

	s.displayServerInfo(configPath)
	s.displayEndpoints()

	fmt.Println(bannerFaint("  " + strings.Repeat("━", bannerWidth)))
	fmt.Println()
	fmt.Printf("  %sServer is starting...%s\n", bannerFaint(""), "")
}

// displayServerInfo 显示服务器信息
func (s *Server) displayServerInfo(configPath string) {
	fmt.Println(bannerBold("  Server Information"))
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))

	infoRows := []struct {
		label string
		value string
	}{
		{"Node ID", s.nodeID},
		{"Config File", configPath},
		{"Start Time", time.Now().Format("2006-01-02 15:04:05")},
		{"Report Mode", string(s.config.Metering.ReportMode)},
		{"Storage", s.storageInfo()},
		{"Broker", s.brokerInfo()},
	}

	for _, row := range infoRows {
		fmt.Printf("  %-18s %s\n", bannerBold(row.label+":"), row.value)
	}
	fmt.Println()
}

// displayEndpoints 显示端点信息
func (s *Server) displayEndpoints() {
	fmt.Println(bannerBold("  HTTP Service"))
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))

	authType := s.config.Management.AuthType
	if authType == "" {
		authType = "none"
	}

	fmt.Printf("  %-18s %s\n", bannerBold("Status:"), bannerGreen("✓ Enabled"))
	fmt.Printf("  %-18s http://%s\n", bannerBold("Address:"), s.config.Server.ListenAddr)
	fmt.Printf("  %-18s %s\n", bannerBold("Authentication:"), authType)
	fmt.Printf("  %-18s %s\n", bannerBold("Base Path:"), bannerFaint("/flowgate/v1"))
	fmt.Println()

	fmt.Printf("  %s\n", bannerBold("Engine Callbacks:"))
	fmt.Printf("    • POST /flowgate/v1/observer\n")
	fmt.Printf("    • POST /flowgate/v1/auth\n")
	fmt.Printf("    • POST /flowgate/v1/limiter\n")
	fmt.Println()
}

// storageInfo 格式化存储信息
func (s *Server) storageInfo() string {
	if s.config.Storage.Type == "postgres" {
		return "PostgreSQL"
	}
	return "Memory"
}

// brokerInfo 格式化代理信息
func (s *Server) brokerInfo() string {
	if s.config.Coordinator.Broker == "redis" {
		return fmt.Sprintf("Redis (%s)", strings.Join(s.config.Coordinator.Redis.Addrs, ","))
	}
	return "Memory (single process)"
}
