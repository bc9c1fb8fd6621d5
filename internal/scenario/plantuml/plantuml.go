// Package plantuml is the built-in scenario for the PlantUML editor: an
// editor population converting Japanese descriptions to diagrams, plus
// small admin, websocket-simulation and regional populations.
package plantuml

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/horde/internal/load"
	"github.com/wesleyorama2/horde/internal/load/stats"
)

// Defaults for running the scenario from the command line.
const (
	DefaultHost      = "http://localhost:8086"
	DefaultUsers     = 100
	DefaultSpawnRate = 10
	DefaultRunTime   = 5 * time.Minute
)

// Class weights, out of 100 users. The editor weight is set explicitly
// so that editors are 94 of every 100 users; left at the default weight
// of 1 they would only be one seventh of the population.
const (
	EditorWeight    = 94
	AdminWeight     = 1
	WebSocketWeight = 2
	RegionalWeight  = 3
)

const (
	userAgent        = "horde-plantuml/1.0"
	slowConversion   = 2 * time.Second
	syncTarget       = 100 * time.Millisecond
	complexTimeout   = 15 * time.Second
	adminBearerToken = "Bearer admin-test-token"
)

var japaneseInputs = []string{
	"ユーザーがECサイトで商品を検索し、カートに追加し、決済を完了する",
	"管理者が在庫管理システムで新商品を登録し、価格を設定し、公開する",
	"システムが夜間バッチで売上データを集計し、レポートを生成し、メール送信する",
	"顧客サポートが問い合わせを受付け、FAQを検索し、回答を送信する",
	"配送業者が荷物をピックアップし、配送状況を更新し、顧客に通知する",
	"IoTセンサーがデータを収集し、異常を検出し、アラートを発信する",
	"APIゲートウェイがリクエストを受信し、認証し、適切なサービスにルーティングする",
	"データベースがトランザクションを処理し、整合性を保ち、ログを記録する",
	"Webサーバーがリクエストを処理し、静的ファイルを配信し、レスポンスを返す",
	"キャッシュサーバーがデータを保存し、有効期限を管理し、無効化処理を実行する",
}

var conversionTypes = []string{
	"sequence_diagram",
	"class_diagram",
	"activity_diagram",
	"use_case_diagram",
	"component_diagram",
}

var staticResources = []string{
	"/css/style.css",
	"/js/app.js",
	"/js/plantuml-parser.js",
	"/images/logo.png",
	"/favicon.ico",
}

var adminEndpoints = []string{
	"/api/admin/stats",
	"/api/admin/users",
	"/api/admin/config",
	"/api/admin/logs",
}

var regions = []string{"tokyo", "osaka", "nagoya", "fukuoka", "sapporo"}

// Classes returns the four user classes of the scenario.
func Classes() []*load.UserClass {
	return []*load.UserClass{
		EditorClass(),
		AdminClass(),
		WebSocketClass(),
		RegionalClass(),
	}
}

// editorSession is the per-session state of an editor user.
type editorSession struct {
	UserID    string
	SessionID string
	Started   time.Time
}

// EditorClass simulates an editor user.
func EditorClass() *load.UserClass {
	tasks, err := load.NewTaskRegistry(
		load.Task{Name: "load_homepage", Weight: 10, Fn: loadHomepage},
		load.Task{Name: "convert", Weight: 8, Fn: convert},
		load.Task{Name: "realtime_sync", Weight: 5, Fn: realtimeSync},
		load.Task{Name: "static_resources", Weight: 3, Fn: staticResource},
		load.Task{Name: "health_check", Weight: 2, Fn: healthCheck},
		load.Task{Name: "complex_conversion", Weight: 1, Fn: complexConversion},
	)
	if err != nil {
		panic(err)
	}

	return &load.UserClass{
		Name:     "editor",
		Weight:   EditorWeight,
		MinWait:  time.Second,
		MaxWait:  5 * time.Second,
		Tasks:    tasks,
		NewState: func() any { return &editorSession{} },
		OnStart: func(ctx context.Context, u *load.VirtualUser) error {
			s := u.State.(*editorSession)
			rng := u.Rand()
			s.UserID = fmt.Sprintf("load_test_user_%d", 1000+rng.IntN(9000))
			s.SessionID = fmt.Sprintf("session_%d", 10000+rng.IntN(90000))
			s.Started = time.Now()
			u.Logger().Debug("editor session started",
				zap.String("editor_user", s.UserID),
				zap.String("session", s.SessionID),
			)
			return nil
		},
		OnStop: func(ctx context.Context, u *load.VirtualUser) error {
			s := u.State.(*editorSession)
			u.Logger().Debug("editor session finished",
				zap.String("editor_user", s.UserID),
				zap.Duration("ran", time.Since(s.Started)),
			)
			return nil
		},
	}
}

func session(u *load.VirtualUser) *editorSession {
	if s, ok := u.State.(*editorSession); ok {
		return s
	}
	return &editorSession{}
}

func pick(u *load.VirtualUser, items []string) string {
	return items[u.Rand().IntN(len(items))]
}

func get(ctx context.Context, u *load.VirtualUser, path string, header http.Header, classify load.Classifier) (stats.Outcome, error) {
	return u.Execute(ctx, &load.Request{
		Method: http.MethodGet,
		Path:   path,
		Header: header,
	}, classify)
}

func postJSON(ctx context.Context, u *load.VirtualUser, path string, payload any, header http.Header, timeout time.Duration, classify load.Classifier) (stats.Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return stats.Outcome{RequestName: path, Method: http.MethodPost}, err
	}
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return u.Execute(ctx, &load.Request{
		Method:  http.MethodPost,
		Path:    path,
		Header:  header,
		Body:    body,
		Timeout: timeout,
	}, classify)
}

func loadHomepage(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("X-Test-Type", "homepage-load")
	h.Set("X-User-ID", session(u).UserID)
	return get(ctx, u, "/", h, homepageOK)
}

func homepageOK(resp *load.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("homepage load failed: %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "PlantUML") {
		return fmt.Errorf("editor content not found")
	}
	return nil
}

func convert(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	s := session(u)
	conversionType := pick(u, conversionTypes)
	payload := map[string]any{
		"input":     pick(u, japaneseInputs),
		"type":      conversionType,
		"userId":    s.UserID,
		"sessionId": s.SessionID,
		"timestamp": time.Now().UnixMilli(),
		"options": map[string]any{
			"includeActors": true,
			"autoLayout":    true,
			"theme":         "default",
		},
	}

	h := http.Header{}
	h.Set("X-Test-Type", "conversion")
	h.Set("X-Conversion-Type", conversionType)

	out, err := postJSON(ctx, u, "/api/convert", payload, h, 0, conversionOK)
	if err == nil && out.Success && out.Latency > slowConversion {
		u.Logger().Warn("slow conversion", zap.Duration("latency", out.Latency))
	}
	return out, err
}

func conversionOK(resp *load.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("conversion failed: %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(resp.Body) {
		return fmt.Errorf("invalid JSON response")
	}
	if !strings.Contains(gjson.GetBytes(resp.Body, "plantuml").String(), "@startuml") {
		return fmt.Errorf("invalid conversion result")
	}
	return nil
}

func realtimeSync(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	s := session(u)
	rng := u.Rand()
	now := time.Now().UnixMilli()

	n := 3 + rng.IntN(6)
	syncEvents := make([]map[string]any, n)
	for i := range syncEvents {
		content := []rune(pick(u, japaneseInputs))
		if len(content) > 50 {
			content = content[:50]
		}
		syncEvents[i] = map[string]any{
			"type": "editor_change",
			"data": map[string]any{
				"content":   string(content),
				"position":  rng.IntN(101),
				"timestamp": now + int64(i)*100,
			},
			"sequence":  i,
			"userId":    s.UserID,
			"sessionId": s.SessionID,
		}
	}

	payload := map[string]any{
		"events":    syncEvents,
		"batchId":   fmt.Sprintf("batch_%d", 1000+rng.IntN(9000)),
		"userId":    s.UserID,
		"timestamp": now,
	}

	h := http.Header{}
	h.Set("X-Test-Type", "realtime-sync")
	h.Set("X-Batch-Size", strconv.Itoa(n))

	out, err := postJSON(ctx, u, "/api/sync", payload, h, 0, statusIn("sync failed", http.StatusOK))
	if err == nil && out.Success && out.Latency > syncTarget {
		u.Logger().Debug("sync above target", zap.Duration("latency", out.Latency))
	}
	return out, err
}

func staticResource(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	resource := pick(u, staticResources)
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("X-Test-Type", "static-resource")

	var cached bool
	out, err := get(ctx, u, resource, h, func(resp *load.Response) error {
		cached = resp.Header.Get("Cache-Control") != ""
		return statusIn("static resource failed", http.StatusOK, http.StatusNotFound)(resp)
	})
	if err == nil && out.StatusLabel == "200" && !cached {
		u.Logger().Debug("no cache header", zap.String("resource", resource))
	}
	return out, err
}

func healthCheck(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	h := http.Header{}
	h.Set("X-Test-Type", "health-check")
	h.Set("X-User-ID", session(u).UserID)
	return get(ctx, u, "/api/health", h, healthOK)
}

func healthOK(resp *load.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(resp.Body) {
		return fmt.Errorf("invalid health response")
	}
	if gjson.GetBytes(resp.Body, "status").String() != "ok" {
		return fmt.Errorf("unhealthy status")
	}
	return nil
}

func complexConversion(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	payload := map[string]any{
		"input":  "大規模システム統合シナリオ: " + strings.Repeat("複雑な処理フロー、", 100),
		"type":   "complex_processing",
		"userId": session(u).UserID,
		"options": map[string]any{
			"complexity":            "high",
			"includeDetails":        true,
			"generateDocumentation": true,
		},
		"timestamp": time.Now().UnixMilli(),
	}

	h := http.Header{}
	h.Set("X-Test-Type", "memory-intensive")
	return postJSON(ctx, u, "/api/convert/complex", payload, h, complexTimeout,
		statusIn("complex conversion failed", http.StatusOK, http.StatusNotFound))
}

// statusIn accepts the listed codes and reports others with prefix.
func statusIn(prefix string, codes ...int) load.Classifier {
	return func(resp *load.Response) error {
		for _, c := range codes {
			if resp.StatusCode == c {
				return nil
			}
		}
		return fmt.Errorf("%s: %d", prefix, resp.StatusCode)
	}
}

// AdminClass simulates an infrequent administrator.
func AdminClass() *load.UserClass {
	tasks, err := load.NewTaskRegistry(load.Task{
		Name:   "admin_operations",
		Weight: 1,
		Fn: func(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
			h := http.Header{}
			h.Set("Authorization", adminBearerToken)
			h.Set("X-Test-Type", "admin-operation")
			return get(ctx, u, pick(u, adminEndpoints), h,
				statusIn("admin operation failed", http.StatusOK, http.StatusUnauthorized, http.StatusNotFound))
		},
	})
	if err != nil {
		panic(err)
	}

	return &load.UserClass{
		Name:    "admin",
		Weight:  AdminWeight,
		MinWait: 5 * time.Second,
		MaxWait: 15 * time.Second,
		Tasks:   tasks,
	}
}

// WebSocketClass simulates realtime messaging over plain HTTP.
func WebSocketClass() *load.UserClass {
	tasks, err := load.NewTaskRegistry(load.Task{
		Name:   "websocket_simulation",
		Weight: 1,
		Fn: func(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
			payload := map[string]any{
				"type": "websocket_message",
				"data": map[string]any{
					"message":   "リアルタイム更新テスト",
					"timestamp": time.Now().UnixMilli(),
				},
				"connectionId": fmt.Sprintf("ws_%d", 1000+u.Rand().IntN(9000)),
			}
			h := http.Header{}
			h.Set("X-Test-Type", "websocket-simulation")
			return postJSON(ctx, u, "/api/websocket/simulate", payload, h, 0,
				statusIn("websocket simulation failed", http.StatusOK, http.StatusNotFound))
		},
	})
	if err != nil {
		panic(err)
	}

	return &load.UserClass{
		Name:    "websocket",
		Weight:  WebSocketWeight,
		MinWait: 100 * time.Millisecond,
		MaxWait: time.Second,
		Tasks:   tasks,
	}
}

// regionalSession holds the region and simulated network latency chosen
// once per session.
type regionalSession struct {
	Region  string
	Latency time.Duration
}

// RegionalClass simulates users from different regions with extra
// client-side latency.
func RegionalClass() *load.UserClass {
	tasks, err := load.NewTaskRegistry(load.Task{
		Name:   "regional_access",
		Weight: 1,
		Fn:     regionalAccess,
	})
	if err != nil {
		panic(err)
	}

	return &load.UserClass{
		Name:     "regional",
		Weight:   RegionalWeight,
		MinWait:  2 * time.Second,
		MaxWait:  8 * time.Second,
		Tasks:    tasks,
		NewState: func() any { return &regionalSession{} },
		OnStart: func(ctx context.Context, u *load.VirtualUser) error {
			s := u.State.(*regionalSession)
			rng := u.Rand()
			s.Region = regions[rng.IntN(len(regions))]
			s.Latency = 10*time.Millisecond + time.Duration(rng.Int64N(int64(90*time.Millisecond)))
			return nil
		},
	}
}

func regionalAccess(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	s, ok := u.State.(*regionalSession)
	if !ok {
		s = &regionalSession{Region: regions[0]}
	}

	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return stats.Outcome{RequestName: "/", Method: http.MethodGet}, ctx.Err()
		case <-t.C:
		}
	}

	h := http.Header{}
	h.Set("X-Region", s.Region)
	h.Set("X-Simulated-Latency", strconv.FormatFloat(float64(s.Latency)/float64(time.Millisecond), 'f', 1, 64))
	h.Set("X-Test-Type", "regional-access")
	return get(ctx, u, "/", h, statusIn("regional access failed", http.StatusOK))
}
