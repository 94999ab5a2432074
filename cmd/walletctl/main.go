package main

import "github.com/congo-pay/wallet_engine/internal/cli"

func main() {
	cli.Execute()
}
