// proxycheck 是一次性的代理检查工具：
//
//	proxycheck -proxy 1.2.3.4:8080 [-protocol socks5]   通过指定代理查看出口 IP 与地理位置
//	proxycheck -direct                                  查看本机直连的出口 IP
//	proxycheck -pool 5                                  抓取并测试公开代理，打印最好的 N 个
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"freeproxy_nexus/internal/shared/config"
	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/internal/shared/types"
	manager "freeproxy_nexus/proxypool"
	"freeproxy_nexus/proxypool/model"
	"freeproxy_nexus/proxypool/scraper"
	"freeproxy_nexus/proxypool/validator"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	proxyAddr := flag.String("proxy", "", "Proxy to check, ip:port or scheme://ip:port")
	protocol := flag.String("protocol", model.ProtocolHTTP, "Protocol used when -proxy has no scheme (http or socks5)")
	direct := flag.Bool("direct", false, "Report the exit IP without a proxy")
	poolSize := flag.Int("pool", 0, "Fill a pool from the configured sources and print the N best proxies")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall deadline for -pool")
	flag.Parse()

	cfg := types.DefaultConfig()
	iniPath := filepath.Join(*configDir, "proxypool.ini")
	if _, err := os.Stat(iniPath); err == nil {
		if err := config.LoadIni(cfg, iniPath); err != nil {
			fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
			os.Exit(1)
		}
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *poolSize > 0:
		err = runPool(ctx, cfg, *poolSize, *timeout)
	case *proxyAddr != "":
		err = checkProxy(ctx, cfg, *proxyAddr, *protocol)
	case *direct:
		err = checkDirect(ctx, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// checkProxy 测试单个代理的连通性，并报告出口 IP 与地理信息。
func checkProxy(ctx context.Context, cfg *types.Config, raw, protocol string) error {
	c, err := model.NewCandidate(raw, protocol, "cli")
	if err != nil {
		return err
	}

	v := validator.NewValidator(cfg.Tester, nil)
	res, err := v.Test(ctx, c)
	if err != nil {
		return fmt.Errorf("proxy %s is not working (%s): %w", c.URL(), validator.KindOf(err), err)
	}
	fmt.Printf("Proxy:    %s\n", c.URL())
	fmt.Printf("Latency:  %s\n", res.Latency.Round(time.Millisecond))
	fmt.Printf("Exit IP:  %s\n", res.ExitIP)

	cfg.Geo.Enabled = true
	geo := validator.NewGeoLocator(cfg.Geo)
	info, err := geo.CheckExitIP(ctx, c.URL())
	if err != nil {
		fmt.Printf("Geo:      unavailable (%v)\n", err)
		return nil
	}
	printGeo(info)
	return nil
}

func checkDirect(ctx context.Context, cfg *types.Config) error {
	cfg.Geo.Enabled = true
	info, err := validator.NewGeoLocator(cfg.Geo).CheckExitIP(ctx, "")
	if err != nil {
		return err
	}
	fmt.Printf("Exit IP:  %s\n", info.IP)
	printGeo(info)
	return nil
}

func printGeo(info *validator.GeoInfo) {
	fmt.Printf("Location: %s, %s, %s\n", info.City, info.Region, info.Country)
	fmt.Printf("Org:      %s\n", info.Org)
}

// runPool 运行一个不落盘的临时代理池，填充完成后打印最好的 n 个代理。
func runPool(ctx context.Context, cfg *types.Config, n int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poolCfg := cfg.Pool
	if poolCfg.TargetSize < n {
		poolCfg.TargetSize = n
	}
	poolCfg.WaitForFill = timeout

	v := validator.NewValidator(cfg.Tester, validator.NewGeoLocator(cfg.Geo))
	m := manager.NewManager(poolCfg, v, scraper.NewFromConfig(cfg.Sources),
		manager.WithConcurrency(v.Concurrency()))
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	if _, err := m.Best(ctx); err != nil {
		return err
	}
	// 给初始填充一点时间完成当前批次
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
wait:
	for m.Size() < n {
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}
	best := m.Take(n)
	if len(best) == 0 {
		return manager.ErrPoolEmpty
	}
	for i, p := range best {
		fmt.Printf("%2d. %-28s %-8s %6dms  success=%.2f  country=%s\n",
			i+1, p.URL(), p.Source, p.Latency.Milliseconds(), p.SuccessRate, p.Country)
	}
	return nil
}
