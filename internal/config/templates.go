package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# AngelOne bridge configuration
# Values of the form ${VAR} are read from the environment.

credentials:
  api_key: "${ANGELONE_API_KEY}"
  client_code: "${ANGELONE_CLIENT_CODE}"
  password: "${ANGELONE_PASSWORD}"
  totp_secret: "${ANGELONE_TOTP_SECRET}"

trading:
  # live or paper
  mode: paper
  default_exchange: NSE
  # INTRADAY, DELIVERY or CARRYFORWARD
  default_product: INTRADAY
  watchlist: [RELIANCE, TCS, INFY]

market:
  pre_open: "09:00"
  open: "09:15"
  close: "15:30"
  post_open: "15:40"
  post_close: "16:00"
  # extra closures on top of the built-in NSE list, YYYY-MM-DD
  holidays: []
  holiday_file: ""

symbols:
  # http(s) URL of the scrip master, or a local .json/.csv file
  source: https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json
  timeout: 1m

broker:
  base_url: https://apiconnect.angelbroking.com
  timeout: 10s
  rate_per_second: 3
  burst: 3

gateway:
  max_attempts: 3
  retry_delay: 500ms
  max_retry_delay: 10s

stream:
  url: wss://smartapisocket.angelone.in/smart-stream
  # 1 LTP, 2 QUOTE, 3 SNAP_QUOTE
  mode: 2
  exchange: NSE
  ping_interval: 30s
  reconnect_delay: 1s
  max_reconnect_delay: 30s
  max_reconnects: 10

auth:
  max_attempts: 3
  retry_delay: 1s
  session_ttl: 24h
  expiry_margin: 5m

store:
  enabled: true
  # defaults to snapshots.db next to this file's default location
  # path: /var/lib/angelone-bridge/snapshots.db

paper:
  initial_balance: 1000000

logging:
  level: info
  console: true
  file: false
`

// WriteTemplate writes a commented starter configuration to path. The file
// may hold secrets once filled in, so it is created owner-only.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
