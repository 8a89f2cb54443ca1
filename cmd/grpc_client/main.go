package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-broker/internal/grpcclient"
	"chat-broker/internal/platform/config"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr    = pflag.String("addr", "localhost:8081", "gRPC 服務器地址")
		token   = pflag.String("token", os.Getenv("CHAT_BROKER_TOKEN"), "bearer token（預設讀取 CHAT_BROKER_TOKEN）")
		useTLS  = pflag.Bool("tls", false, "使用 TLS 連線")
		caFile  = pflag.String("ca", "", "驗證伺服器憑證的 CA 檔")
		history = pflag.Bool("history", true, "訂閱前先列出歷史訊息")
		users   = pflag.Bool("users", false, "列出使用者後結束")
	)
	pflag.Parse()

	if *token == "" {
		return errors.New("需要 --token 或 CHAT_BROKER_TOKEN")
	}

	conn, err := grpcclient.DialAddress(*addr, config.TLSConfig{Enabled: *useTLS, CAFile: *caFile}, *token)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	client := grpcclient.NewRoomClient(conn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *users {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		list, err := client.ListUsers(reqCtx)
		if err != nil {
			return fmt.Errorf("查詢使用者失敗: %w", err)
		}
		return printJSON(list)
	}

	if *history {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		msgs, err := client.ListMessages(reqCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("查詢歷史訊息失敗: %w", err)
		}
		fmt.Printf("=== 歷史訊息 %d 則 ===\n", len(msgs))
		for _, m := range msgs {
			if err := printJSON(m); err != nil {
				return err
			}
		}
	}

	sub, err := client.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("訂閱失敗: %w", err)
	}
	fmt.Println("=== 已訂閱，Ctrl+C 結束 ===")

	for {
		frame, err := sub.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("訂閱中斷: %w", err)
		}
		if err := printJSON(map[string]interface{}{"event": frame.Event, "data": frame.Data}); err != nil {
			return err
		}
	}
}

func printJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
