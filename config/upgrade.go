package config

import (
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func generateOrCopy(helper up.Helper, path ...string) {
	if secret, ok := helper.Get(up.Str, path...); !ok || secret == "generate" {
		helper.Set(up.Str, random.String(64), path...)
	} else {
		helper.Copy(up.Str, path...)
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "server_name")
	helper.Copy(up.Str, "server", "hostname")
	helper.Copy(up.Int, "server", "port")
	helper.Copy(up.Str|up.Null, "server", "well_known_server")
	if secret, ok := helper.Get(up.Str, "server", "management_secret"); ok && secret == "disable" {
		helper.Set(up.Str, secret, "server", "management_secret")
	} else {
		generateOrCopy(helper, "server", "management_secret")
	}

	helper.Copy(up.Str, "keys", "check_interval")
	helper.Copy(up.Str, "keys", "refresh_threshold")
	helper.Copy(up.Str, "keys", "validity")
	helper.Copy(up.Str, "keys", "published_validity")
	helper.Copy(up.Int, "keys", "notary_concurrency")

	helper.Copy(up.Str, "federation", "request_timeout")
	helper.Copy(up.Str, "federation", "resolve_cache_ttl")

	helper.Copy(up.Str, "send_queue", "flush_interval")
	helper.Copy(up.Str, "send_queue", "initial_backoff")
	helper.Copy(up.Str, "send_queue", "max_backoff")
	helper.Copy(up.Int, "send_queue", "max_retries")
	helper.Copy(up.Int, "send_queue", "max_concurrency")

	helper.Copy(up.Str, "receiver", "transaction_retention")
	helper.Copy(up.Str, "receiver", "prune_interval")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"server"},
	{"server", "well_known_server"},
	{"server", "management_secret"},
	{"keys"},
	{"federation"},
	{"send_queue"},
	{"receiver"},
	{"database"},
	{"logging"},
}
