package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 12 // Address|IP|Port|Protocol|Source|Country|ExitIP|LatencyMs|LastTested|SuccessRate|TotalTests|ConsecutiveFailures
)

// Storage 接口定义了代理数据持久化的行为。
type Storage interface {
	Load() (map[string]*model.ProxyInfo, error)
	Save(proxies map[string]*model.ProxyInfo) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载代理数据到内存 map 中。文件不存在时返回空 map。
func (fs *FileStorage) Load() (map[string]*model.ProxyInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")
	proxyMap := make(map[string]*model.ProxyInfo)

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy data file not found, starting with an empty pool.")
			return proxyMap, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in proxy file.")
			continue
		}

		p, err := parseProxyInfo(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy info from line, skipping.")
			continue
		}
		proxyMap[p.Address] = p
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(proxyMap)).Msg("Successfully loaded proxies from file.")
	return proxyMap, nil
}

// Save 将代理 map 写入临时文件后原子替换目标文件。
func (fs *FileStorage) Save(proxies map[string]*model.ProxyInfo) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	proxyList := make([]*model.ProxyInfo, 0, len(proxies))
	for _, p := range proxies {
		proxyList = append(proxyList, p)
	}
	sort.Slice(proxyList, func(i, j int) bool {
		return proxyList[i].Address < proxyList[j].Address
	})

	var sb strings.Builder
	for _, p := range proxyList {
		sb.WriteString(formatProxyInfo(p))
		sb.WriteString("\n")
	}

	dir := filepath.Dir(fs.filePath)
	tmp, err := os.CreateTemp(dir, ".proxies-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, fs.filePath); err != nil {
		os.Remove(tmpName)
		return err
	}

	l.Debug().Int("count", len(proxyList)).Msg("Saved proxies to file.")
	return nil
}

// formatProxyInfo 将 ProxyInfo 对象格式化为一行文本。
func formatProxyInfo(p *model.ProxyInfo) string {
	var lastTested int64
	if !p.LastTested.IsZero() {
		lastTested = p.LastTested.Unix()
	}
	return strings.Join([]string{
		p.Address,
		p.IP,
		strconv.Itoa(p.Port),
		p.Protocol,
		clean(p.Source),
		clean(p.Country),
		clean(p.ExitIP),
		strconv.FormatInt(p.Latency.Milliseconds(), 10),
		strconv.FormatInt(lastTested, 10),
		strconv.FormatFloat(p.SuccessRate, 'f', 4, 64),
		strconv.Itoa(p.TotalTests),
		strconv.Itoa(p.ConsecutiveFailures),
	}, delimiter)
}

// clean keeps free-text fields from breaking the line format.
func clean(s string) string {
	return strings.NewReplacer(delimiter, " ", "\n", " ", "\r", " ").Replace(s)
}

// parseProxyInfo 从字符串切片解析出一个 ProxyInfo 对象。
func parseProxyInfo(fields []string) (*model.ProxyInfo, error) {
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	latencyMs, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latency: %w", err)
	}

	lastTestedUnix, err := strconv.ParseInt(fields[8], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_tested: %w", err)
	}

	successRate, err := strconv.ParseFloat(fields[9], 64)
	if err != nil || successRate < 0 || successRate > 1 {
		return nil, fmt.Errorf("invalid success_rate %q", fields[9])
	}

	totalTests, err := strconv.Atoi(fields[10])
	if err != nil {
		return nil, fmt.Errorf("invalid total_tests: %w", err)
	}

	failures, err := strconv.Atoi(fields[11])
	if err != nil {
		return nil, fmt.Errorf("invalid consecutive_failures: %w", err)
	}

	p := &model.ProxyInfo{
		Address:             fields[0],
		IP:                  fields[1],
		Port:                port,
		Protocol:            fields[3],
		Source:              fields[4],
		Country:             fields[5],
		ExitIP:              fields[6],
		Latency:             time.Duration(latencyMs) * time.Millisecond,
		SuccessRate:         successRate,
		TotalTests:          totalTests,
		ConsecutiveFailures: failures,
	}
	if lastTestedUnix > 0 {
		p.LastTested = time.Unix(lastTestedUnix, 0)
	}

	return p, nil
}
