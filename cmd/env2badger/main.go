// env2badger imports a .env file into the encrypted secret store read by bothost-server.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/betbot/bothost/pkg/secretstore"
	"github.com/joho/godotenv"
)

func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("BOTHOST_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("BOTHOST_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		only      = flag.String("only", "BOTHOST_", "import only keys with this prefix (empty = all)")
		list      = flag.Bool("list", false, "list stored keys and exit")
		del       = flag.String("delete", "", "delete one stored key (without env/ prefix) and exit")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set BOTHOST_SECRET_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      *list,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	switch {
	case *list:
		keys, err := ss.Keys(secretstore.EnvPrefix)
		if err != nil {
			fatal(err)
		}
		for _, k := range keys {
			fmt.Println(strings.TrimPrefix(k, secretstore.EnvPrefix))
		}
		return
	case strings.TrimSpace(*del) != "":
		if err := ss.Delete(secretstore.EnvPrefix + strings.TrimSpace(*del)); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stderr, "已删除 %s\n", *del)
		return
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if *only == "" || strings.HasPrefix(k, *only) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := ss.SetString(secretstore.EnvPrefix+k, kv[k]); err != nil {
			fatal(err)
		}
	}
	fmt.Fprintf(os.Stderr, "已导入 %d 项到 badger：%s（跳过 %d 项）\n", len(keys), *dbPath, len(kv)-len(keys))
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
