// Liquidation utility: cancels every working order and market-exits every
// open position through the broker gateway. Last resort when the bot is
// down and positions must be flattened by hand.
//
// Usage:
//
//	go run scripts/liquidate_positions.go -config config.yaml
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.IsPaperTrading() {
		log.Fatalf("paper mode configured; nothing to liquidate at the broker")
	}

	client := broker.NewOpenAlgoClient(cfg.Broker.APIKey, cfg.Broker.Host,
		cfg.Broker.Exchange, cfg.BrokerTimeout(), cfg.Location())

	fmt.Println("LIQUIDATE ALL POSITIONS - MARKET ORDERS")

	fmt.Println("cancelling working orders...")
	book, err := client.Orderbook()
	if err != nil {
		log.Printf("warning: orderbook unavailable: %v", err)
	} else {
		cancelled := 0
		for _, o := range book {
			if broker.IsTerminalStatus(o.Status) {
				continue
			}
			if _, err := client.CancelOrder(o.OrderID); err != nil {
				fmt.Printf("  cancel %s (%s): %v\n", o.OrderID, o.Symbol, err)
				continue
			}
			fmt.Printf("  cancelled %s (%s)\n", o.OrderID, o.Symbol)
			cancelled++
		}
		fmt.Printf("cancelled %d working orders\n", cancelled)
	}

	positions, err := client.PositionBook()
	if err != nil {
		log.Fatalf("positionbook: %v", err)
	}

	open := 0
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		open++

		qty := pos.Quantity
		action := broker.ActionSell
		if qty < 0 {
			action = broker.ActionBuy
			qty = -qty
		}

		fmt.Printf("closing %s: %s MARKET qty %d\n", pos.Symbol, action, qty)
		resp, err := client.PlaceOrder(broker.OrderRequest{
			Strategy:  cfg.Broker.StrategyTag,
			Symbol:    pos.Symbol,
			Action:    action,
			Exchange:  cfg.Broker.Exchange,
			PriceType: broker.PriceTypeMarket,
			Product:   cfg.Broker.Product,
			Quantity:  qty,
		})
		if err != nil {
			fmt.Printf("  FAILED: %v\n", err)
			continue
		}
		if resp.OK() {
			fmt.Printf("  order %s placed\n", resp.OrderID)
		} else {
			fmt.Printf("  rejected: %s\n", resp.Message)
		}
	}

	if open == 0 {
		fmt.Println("no open positions")
		return
	}
	fmt.Println("all close orders submitted; verify fills in the broker terminal")
}
