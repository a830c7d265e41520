// attest signs a prediction resolution with a resolver key and prints the
// request body for POST /v1/predictions/{id}/resolve.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/phenomenon0/prophetia/internal/logging"
	"github.com/phenomenon0/prophetia/pkg/eth"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const keyEnv = "PROPHETIA_RESOLVER_KEY"

var (
	keyHex       = flag.String("key", "", "Resolver private key in hex (or "+keyEnv+")")
	predictionID = flag.String("prediction", "", "Prediction ID")
	won          = flag.Bool("won", false, "Whether the prediction won")
	profit       = flag.String("profit", "0", "Profit realized by a winning prediction")
	actual       = flag.String("actual", "", "Observed value (optional)")
	nonce        = flag.Uint64("nonce", 0, "Attestation nonce (default: current unix nanoseconds)")
	chainID      = flag.Int64("chain-id", eth.DefaultChainID, "EIP-712 domain chain ID")
	generate     = flag.Bool("generate", false, "Generate a new resolver key and exit")
)

type resolveBody struct {
	Won         bool                `json:"won"`
	Profit      decimal.Decimal     `json:"profit"`
	ActualValue decimal.NullDecimal `json:"actual_value"`
	Attestation *eth.Attestation    `json:"attestation"`
}

func main() {
	flag.Parse()
	log := logging.Setup("info", true)

	if *generate {
		w, err := eth.GenerateWallet()
		if err != nil {
			log.Fatal().Err(err).Msg("[ATTEST] failed to generate key")
		}
		fmt.Printf("address: %s\n", w.AddressHex())
		fmt.Printf("key:     %s\n", w.HexKey())
		return
	}

	_ = godotenv.Load()
	key := *keyHex
	if key == "" {
		key = os.Getenv(keyEnv)
	}
	if key == "" {
		log.Fatal().Msgf("[ATTEST] provide -key or set %s", keyEnv)
	}
	if *predictionID == "" {
		log.Fatal().Msg("[ATTEST] -prediction is required")
	}

	amount, err := decimal.NewFromString(*profit)
	if err != nil {
		log.Fatal().Err(err).Msg("[ATTEST] invalid -profit")
	}
	if !*won {
		amount = decimal.Zero
	}

	body := resolveBody{Won: *won, Profit: amount}
	if *actual != "" {
		v, err := decimal.NewFromString(*actual)
		if err != nil {
			log.Fatal().Err(err).Msg("[ATTEST] invalid -actual")
		}
		body.ActualValue = decimal.NewNullDecimal(v)
	}

	n := *nonce
	if n == 0 {
		n = uint64(time.Now().UnixNano())
	}

	wallet, err := eth.NewWallet(key)
	if err != nil {
		log.Fatal().Err(err).Msg("[ATTEST] invalid key")
	}
	att, err := eth.NewSigner(wallet, *chainID).SignResolution(eth.Resolution{
		PredictionID: *predictionID,
		Won:          *won,
		Profit:       amount,
		Nonce:        n,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("[ATTEST] signing failed")
	}
	body.Attestation = att

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		log.Fatal().Err(err).Msg("[ATTEST] encode")
	}
}
