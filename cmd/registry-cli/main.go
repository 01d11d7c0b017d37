// registry-cli is a command-line client for interacting with a registryd node.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-registry/config"
	"github.com/Klingon-tech/klingnet-registry/internal/boardkey"
	"github.com/Klingon-tech/klingnet-registry/internal/lifecycle"
	"github.com/Klingon-tech/klingnet-registry/internal/proof"
	"github.com/Klingon-tech/klingnet-registry/internal/registry"
	"github.com/Klingon-tech/klingnet-registry/internal/rpc"
	"github.com/Klingon-tech/klingnet-registry/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-registry/internal/token"
	"github.com/Klingon-tech/klingnet-registry/internal/versioning"
	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/Klingon-tech/klingnet-registry/pkg/merkle"
	"github.com/Klingon-tech/klingnet-registry/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

// keysDir returns the board key path matching registryd's layout:
// <datadir>/<network>/keys
func keysDir(dataDir, network string) string {
	cfg := config.Default(config.NetworkType(network))
	cfg.DataDir = dataDir
	return cfg.KeysDir()
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8745"
	dataDir := config.DefaultDataDir()
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	kDir := keysDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "validate":
		cmdValidate(client)
	case "parent":
		cmdParent(client, cmdArgs)
	case "token":
		cmdToken(client, cmdArgs)
	case "version":
		cmdVersion(client, cmdArgs, kDir)
	case "proof":
		cmdProof(client, cmdArgs)
	case "board":
		cmdBoard(cmdArgs, kDir)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: registry-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8745)
  --datadir <path>    Data directory (default: ~/.klingnet-registry)
  --network <net>     mainnet (default) or testnet

Commands:
  status                          Show registry statistics
  validate                        Check index consistency

  parent register <id> [--owner <o>]
                                  Register a primary token
  parent info <id>                Show a primary token
  parent list                     List primary tokens
  parent retire <id>              Retire a primary token
  parent attest <id> <root>       Record an attested parent root

  token create --type <t> --parent <id> --owner <o> --face <amt> [opts]
                                  Create a secondary token
  token bulk <file.json>          Create tokens from a JSON array
  token info <id>                 Show a token
  token list --parent <id> | --owner <o>
                                  List tokens
  token activate <id>             Activate a token
  token redeem <id>               Redeem a token
  token expire <id> [reason]      Expire a token
  token transfer <id> --from <o> --to <o>
                                  Transfer a token
  token count <parent>            Count active children of a parent

  version create <token> --reason <r> [--share <pct>] [--frequency <f>] [--holder <h>]
  version submit <version> --by <who> [--reason <r>]
  version approve <version> --by <who> --sign <key1,key2> [--comments <c>]
  version reject <version> --by <who> --reason <r>
  version archive <version> --by <who> --reason <r>
  version activate <version> --by <who>
  version info <version>          Show a version
  version history <token>         Show a token's version chain
  version active <token>          Show the active version
  version audit <token>           Show the audit trail
  version verify <version>        Check a version's content hash

  proof tree [--parent <id>] [--status <s>]
                                  Build a merkle tree
  proof generate <token>          Prove a token against its parent tree
  proof verify <file.json>        Verify a proof
  proof composite <token> [--root <hex>]
                                  Build a composite proof
  proof verify-composite <file.json>
                                  Verify a composite proof

  board keygen --name <n>         Create a verification board key
  board list                      List board keys
  board sign --key <n> <hash>     Sign a version hash
  board export-mnemonic --key <n> Print a key's 24-word backup phrase
  board import --name <n> --mnemonic "<words>"
                                  Restore a key from its backup phrase
  board delete --key <n>          Remove a key from the keystore
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var result rpc.StatsResult
	if err := client.Call("registry_stats", nil, &result); err != nil {
		fatal("registry_stats: %v", err)
	}

	fmt.Printf("Tokens: %d\n", result.Entries)
	fmt.Println("By status:")
	for _, s := range token.Statuses {
		fmt.Printf("  %-10s %d\n", s, result.ByStatus[string(s)])
	}
	fmt.Println("By type:")
	for _, t := range token.Types {
		fmt.Printf("  %-13s %d\n", t, result.ByType[string(t)])
	}
}

func cmdValidate(client *rpcclient.Client) {
	var result registry.ConsistencyReport
	if err := client.Call("registry_validate", nil, &result); err != nil {
		fatal("registry_validate: %v", err)
	}
	fmt.Printf("Entries: %d\n", result.Entries)
	if len(result.Problems) == 0 {
		fmt.Println("Indices consistent.")
		return
	}
	fmt.Printf("Problems: %d\n", len(result.Problems))
	for _, p := range result.Problems {
		fmt.Printf("  - %s\n", p)
	}
	os.Exit(2)
}

// ── parent ──────────────────────────────────────────────────────────────

func cmdParent(client *rpcclient.Client, args []string) {
	const use = "Usage: registry-cli parent <register|info|list|retire|attest> [flags]"
	if len(args) < 1 {
		fatal("%s", use)
	}

	switch args[0] {
	case "register":
		fs := flag.NewFlagSet("parent register", flag.ExitOnError)
		owner := fs.String("owner", "", "Issuer of the primary token")
		id := positional(fs, args[1:], "Usage: registry-cli parent register <id> [--owner <o>]")
		call(client, "parent_register", rpc.ParentRegisterParam{ParentID: id, Owner: *owner})
	case "info":
		need(args, 2, "Usage: registry-cli parent info <id>")
		call(client, "parent_get", rpc.ParentParam{ParentID: args[1]})
	case "list":
		call(client, "parent_list", nil)
	case "retire":
		need(args, 2, "Usage: registry-cli parent retire <id>")
		call(client, "parent_retire", rpc.ParentParam{ParentID: args[1]})
	case "attest":
		need(args, 3, "Usage: registry-cli parent attest <id> <root>")
		root, err := types.HexToHash(args[2])
		if err != nil {
			fatal("invalid root: %v", err)
		}
		call(client, "parent_attestRoot", rpc.AttestRootParam{ParentID: args[1], Root: root})
	default:
		fatal("Unknown parent command: %s\n%s", args[0], use)
	}
}

// ── token ───────────────────────────────────────────────────────────────

func cmdToken(client *rpcclient.Client, args []string) {
	const use = "Usage: registry-cli token <create|bulk|info|list|activate|redeem|expire|transfer|count> [flags]"
	if len(args) < 1 {
		fatal("%s", use)
	}

	switch args[0] {
	case "create":
		cmdTokenCreate(client, args[1:])
	case "bulk":
		need(args, 2, "Usage: registry-cli token bulk <file.json>")
		var reqs []lifecycle.CreateRequest
		readJSON(args[1], &reqs)
		call(client, "token_bulkCreate", rpc.BulkCreateParam{Tokens: reqs})
	case "info":
		need(args, 2, "Usage: registry-cli token info <id>")
		call(client, "token_get", rpc.TokenParam{TokenID: args[1]})
	case "list":
		fs := flag.NewFlagSet("token list", flag.ExitOnError)
		parentID := fs.String("parent", "", "Parent token id")
		owner := fs.String("owner", "", "Owner")
		fs.Parse(args[1:])
		switch {
		case *parentID != "":
			call(client, "token_getByParent", rpc.ParentParam{ParentID: *parentID})
		case *owner != "":
			call(client, "token_getByOwner", rpc.OwnerParam{Owner: *owner})
		default:
			fatal("Usage: registry-cli token list --parent <id> | --owner <o>")
		}
	case "activate", "redeem":
		need(args, 2, "Usage: registry-cli token "+args[0]+" <id> [--actor <a>]")
		fs := flag.NewFlagSet("token "+args[0], flag.ExitOnError)
		actor := fs.String("actor", "", "Acting party")
		fs.Parse(args[2:])
		call(client, "token_"+args[0], rpc.TokenParam{TokenID: args[1], Actor: *actor})
	case "expire":
		need(args, 2, "Usage: registry-cli token expire <id> [reason]")
		reason := strings.Join(args[2:], " ")
		call(client, "token_expire", rpc.ExpireParam{TokenID: args[1], Reason: reason})
	case "transfer":
		fs := flag.NewFlagSet("token transfer", flag.ExitOnError)
		from := fs.String("from", "", "Current owner")
		to := fs.String("to", "", "New owner")
		id := positional(fs, args[1:], "Usage: registry-cli token transfer <id> --from <o> --to <o>")
		call(client, "token_transfer", rpc.TransferParam{TokenID: id, FromOwner: *from, ToOwner: *to})
	case "count":
		need(args, 2, "Usage: registry-cli token count <parent>")
		var result rpc.CountResult
		if err := client.Call("token_countActiveByParent", rpc.ParentParam{ParentID: args[1]}, &result); err != nil {
			fatal("token_countActiveByParent: %v", err)
		}
		fmt.Printf("Parent: %s\n", result.ParentID)
		fmt.Printf("Active: %d\n", result.Active)
		fmt.Printf("Total:  %d\n", result.Total)
	default:
		fatal("Unknown token command: %s\n%s", args[0], use)
	}
}

func cmdTokenCreate(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	typ := fs.String("type", "", "IncomeStream, Collateral or Royalty")
	parentID := fs.String("parent", "", "Parent token id")
	owner := fs.String("owner", "", "Owner")
	faceStr := fs.String("face", "", "Face value")
	shareStr := fs.String("share", "", "Revenue share percent (IncomeStream, Royalty)")
	frequency := fs.String("frequency", "", "Distribution frequency (IncomeStream)")
	expiresStr := fs.String("expires", "", "Expiry, RFC 3339 or a duration from now (Collateral)")
	fs.Parse(args)

	if *typ == "" || *parentID == "" || *owner == "" || *faceStr == "" {
		fmt.Fprintf(os.Stderr, `Usage: registry-cli token create [flags]

Required:
  --type <t>          IncomeStream, Collateral or Royalty
  --parent <id>       Parent token id
  --owner <o>         Owner
  --face <amt>        Face value

By type:
  --share <pct>       Revenue share percent (IncomeStream, Royalty)
  --frequency <f>     Daily, Weekly, Monthly, Quarterly, SemiAnnual, Annual (IncomeStream)
  --expires <t>       RFC 3339 time or duration such as 720h (Collateral)
`)
		os.Exit(1)
	}

	face, err := decimal.NewFromString(*faceStr)
	if err != nil {
		fatal("invalid face value: %v", err)
	}
	var share decimal.Decimal
	if *shareStr != "" {
		if share, err = decimal.NewFromString(*shareStr); err != nil {
			fatal("invalid share: %v", err)
		}
	}

	switch token.Type(*typ) {
	case token.TypeIncomeStream:
		call(client, "token_createIncomeStream", lifecycle.CreateIncomeStreamRequest{
			ParentID:     *parentID,
			FaceValue:    face,
			Owner:        *owner,
			RevenueShare: share,
			Frequency:    token.Frequency(*frequency),
		})
	case token.TypeCollateral:
		call(client, "token_createCollateral", lifecycle.CreateCollateralRequest{
			ParentID:  *parentID,
			FaceValue: face,
			Owner:     *owner,
			ExpiresAt: parseExpiry(*expiresStr),
		})
	case token.TypeRoyalty:
		call(client, "token_createRoyalty", lifecycle.CreateRoyaltyRequest{
			ParentID:     *parentID,
			FaceValue:    face,
			Owner:        *owner,
			RevenueShare: share,
		})
	default:
		fatal("unknown token type %q", *typ)
	}
}

func parseExpiry(s string) time.Time {
	if s == "" {
		fatal("--expires is required for collateral tokens")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(d).UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		fatal("invalid expiry %q: want RFC 3339 or a duration", s)
	}
	return t.UTC()
}

// ── version ─────────────────────────────────────────────────────────────

func cmdVersion(client *rpcclient.Client, args []string, kDir string) {
	const use = "Usage: registry-cli version <create|submit|approve|reject|archive|activate|info|history|active|audit|verify> [flags]"
	if len(args) < 1 {
		fatal("%s", use)
	}

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("version create", flag.ExitOnError)
		reason := fs.String("reason", "", "Why the terms change")
		by := fs.String("by", "", "Author")
		shareStr := fs.String("share", "", "New revenue share percent")
		frequency := fs.String("frequency", "", "New distribution frequency")
		holder := fs.String("holder", "", "New current holder")
		id := positional(fs, args[1:], "Usage: registry-cli version create <token> --reason <r> [--share <pct>] [--frequency <f>] [--holder <h>]")

		var change versioning.Change
		if *shareStr != "" {
			share, err := decimal.NewFromString(*shareStr)
			if err != nil {
				fatal("invalid share: %v", err)
			}
			change.RevenueShare = &share
		}
		if *frequency != "" {
			f := token.Frequency(*frequency)
			change.Frequency = &f
		}
		if *holder != "" {
			change.CurrentHolder = holder
		}
		call(client, "version_create", rpc.VersionCreateParam{TokenID: id, Change: change, Reason: *reason, CreatedBy: *by})
	case "submit":
		fs := flag.NewFlagSet("version submit", flag.ExitOnError)
		by := fs.String("by", "", "Submitter")
		reason := fs.String("reason", "", "Submission note")
		id := positional(fs, args[1:], "Usage: registry-cli version submit <version> --by <who>")
		call(client, "version_submit", rpc.VersionSubmitParam{VersionID: id, SubmittedBy: *by, Reason: *reason})
	case "approve":
		cmdVersionApprove(client, args[1:], kDir)
	case "reject", "archive":
		fs := flag.NewFlagSet("version "+args[0], flag.ExitOnError)
		by := fs.String("by", "", "Acting party")
		reason := fs.String("reason", "", "Reason")
		id := positional(fs, args[1:], "Usage: registry-cli version "+args[0]+" <version> --by <who> --reason <r>")
		call(client, "version_"+args[0], rpc.VersionReasonParam{VersionID: id, Actor: *by, Reason: *reason})
	case "activate":
		fs := flag.NewFlagSet("version activate", flag.ExitOnError)
		by := fs.String("by", "", "Acting party")
		id := positional(fs, args[1:], "Usage: registry-cli version activate <version> --by <who>")
		call(client, "version_activate", rpc.VersionParam{VersionID: id, Actor: *by})
	case "info":
		need(args, 2, "Usage: registry-cli version info <version>")
		call(client, "version_get", rpc.VersionParam{VersionID: args[1]})
	case "history":
		need(args, 2, "Usage: registry-cli version history <token>")
		call(client, "version_getHistory", rpc.TokenParam{TokenID: args[1]})
	case "active":
		need(args, 2, "Usage: registry-cli version active <token>")
		var result rpc.ActiveVersionResult
		if err := client.Call("version_getActive", rpc.TokenParam{TokenID: args[1]}, &result); err != nil {
			fatal("version_getActive: %v", err)
		}
		if result.Version == nil {
			fmt.Println("No active version.")
			return
		}
		printJSON(result.Version)
	case "audit":
		need(args, 2, "Usage: registry-cli version audit <token>")
		var trail []versioning.AuditRecord
		if err := client.Call("version_getAuditTrail", rpc.TokenParam{TokenID: args[1]}, &trail); err != nil {
			fatal("version_getAuditTrail: %v", err)
		}
		if len(trail) == 0 {
			fmt.Println("No audit records.")
			return
		}
		for _, r := range trail {
			from := string(r.From)
			if from == "" {
				from = "-"
			}
			fmt.Printf("%s  v%d  %-10s -> %-10s  %s", r.Timestamp.Format(time.RFC3339), r.VersionNumber, from, r.To, r.Actor)
			if r.Comment != "" {
				fmt.Printf("  (%s)", r.Comment)
			}
			fmt.Println()
		}
	case "verify":
		need(args, 2, "Usage: registry-cli version verify <version>")
		var result rpc.VerifyResult
		if err := client.Call("version_verifyIntegrity", rpc.VersionParam{VersionID: args[1]}, &result); err != nil {
			fatal("version_verifyIntegrity: %v", err)
		}
		printValid(result.Valid)
	default:
		fatal("Unknown version command: %s\n%s", args[0], use)
	}
}

func cmdVersionApprove(client *rpcclient.Client, args []string, kDir string) {
	fs := flag.NewFlagSet("version approve", flag.ExitOnError)
	by := fs.String("by", "", "Approver id")
	comments := fs.String("comments", "", "Approval comments")
	keyNames := fs.String("sign", "", "Comma-separated board key names")
	id := positional(fs, args, "Usage: registry-cli version approve <version> --by <who> --sign <key1,key2>")
	if *keyNames == "" {
		fatal("--sign is required: approval needs at least one board signature")
	}

	var v versioning.Version
	if err := client.Call("version_get", rpc.VersionParam{VersionID: id}, &v); err != nil {
		fatal("version_get: %v", err)
	}

	var evidence versioning.QuorumEvidence
	ks := openKeystore(kDir)
	for _, name := range strings.Split(*keyNames, ",") {
		key := loadBoardKey(ks, strings.TrimSpace(name))
		sig, err := versioning.Sign(key, v.MerkleHash)
		key.Zero()
		if err != nil {
			fatal("sign with %s: %v", name, err)
		}
		evidence.Signatures = append(evidence.Signatures, sig)
	}

	call(client, "version_approve", rpc.VersionApproveParam{
		VersionID:  id,
		ApproverID: *by,
		Comments:   *comments,
		Evidence:   evidence,
	})
}

// ── proof ───────────────────────────────────────────────────────────────

func cmdProof(client *rpcclient.Client, args []string) {
	const use = "Usage: registry-cli proof <tree|generate|verify|composite|verify-composite> [flags]"
	if len(args) < 1 {
		fatal("%s", use)
	}

	switch args[0] {
	case "tree":
		fs := flag.NewFlagSet("proof tree", flag.ExitOnError)
		parentID := fs.String("parent", "", "Parent token id (default: whole registry)")
		status := fs.String("status", "", "Only tokens in this status")
		fs.Parse(args[1:])
		var result rpc.TreeResult
		if err := client.Call("proof_buildTree", rpc.TreeParam{ParentID: *parentID, Status: *status}, &result); err != nil {
			fatal("proof_buildTree: %v", err)
		}
		fmt.Printf("Root:   %s\n", result.Root)
		fmt.Printf("Leaves: %d\n", result.LeafCount)
		if result.Key != "" {
			fmt.Printf("Cached: %s\n", result.Key)
		}
	case "generate":
		need(args, 2, "Usage: registry-cli proof generate <token>")
		call(client, "proof_generate", rpc.ProveParam{TokenID: args[1]})
	case "verify":
		need(args, 2, "Usage: registry-cli proof verify <file.json>")
		var p merkle.Proof
		readJSON(args[1], &p)
		var result rpc.VerifyResult
		if err := client.Call("proof_verify", rpc.VerifyProofParam{Proof: &p}, &result); err != nil {
			fatal("proof_verify: %v", err)
		}
		printValid(result.Valid)
	case "composite":
		fs := flag.NewFlagSet("proof composite", flag.ExitOnError)
		rootStr := fs.String("root", "", "Parent root to anchor to (default: attested root)")
		id := positional(fs, args[1:], "Usage: registry-cli proof composite <token> [--root <hex>]")
		param := rpc.ProveParam{TokenID: id}
		if *rootStr != "" {
			root, err := types.HexToHash(*rootStr)
			if err != nil {
				fatal("invalid root: %v", err)
			}
			param.ParentRoot = &root
		}
		call(client, "proof_composite", param)
	case "verify-composite":
		need(args, 2, "Usage: registry-cli proof verify-composite <file.json>")
		var cp proof.CompositeProof
		readJSON(args[1], &cp)
		var result rpc.VerifyResult
		if err := client.Call("proof_verifyComposite", rpc.CompositeParam{Composite: &cp}, &result); err != nil {
			fatal("proof_verifyComposite: %v", err)
		}
		printValid(result.Valid)
	default:
		fatal("Unknown proof command: %s\n%s", args[0], use)
	}
}

// ── board keys ──────────────────────────────────────────────────────────

func cmdBoard(args []string, kDir string) {
	const use = "Usage: registry-cli board <keygen|list|sign|export-mnemonic|import|delete> [flags]"
	if len(args) < 1 {
		fatal("%s", use)
	}
	ks := openKeystore(kDir)

	switch args[0] {
	case "keygen":
		fs := flag.NewFlagSet("board keygen", flag.ExitOnError)
		name := fs.String("name", "", "Key name")
		fs.Parse(args[1:])
		if *name == "" {
			fatal("Usage: registry-cli board keygen --name <n>")
		}
		pass := readNewPassword()
		key, err := ks.Generate(*name, pass)
		wipe(pass)
		if err != nil {
			fatal("keygen: %v", err)
		}
		defer key.Zero()
		fmt.Printf("Key:        %s\n", *name)
		fmt.Printf("Public key: %s\n", key.PublicKeyHex())
	case "list":
		entries, err := ks.List()
		if err != nil {
			fatal("list keys: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println("No board keys found.")
			return
		}
		for _, e := range entries {
			fmt.Printf("  %-16s %s  %s\n", e.Name, e.PublicKey, e.CreatedAt.Format(time.RFC3339))
		}
	case "sign":
		fs := flag.NewFlagSet("board sign", flag.ExitOnError)
		name := fs.String("key", "", "Key name")
		hashStr := positional(fs, args[1:], "Usage: registry-cli board sign --key <n> <hash>")
		h, err := types.HexToHash(hashStr)
		if err != nil {
			fatal("invalid hash: %v", err)
		}
		key := loadBoardKey(ks, *name)
		defer key.Zero()
		sig, err := versioning.Sign(key, h)
		if err != nil {
			fatal("sign: %v", err)
		}
		printJSON(sig)
	case "export-mnemonic":
		fs := flag.NewFlagSet("board export-mnemonic", flag.ExitOnError)
		name := fs.String("key", "", "Key name")
		fs.Parse(args[1:])
		key := loadBoardKey(ks, *name)
		defer key.Zero()
		words, err := boardkey.Mnemonic(key)
		if err != nil {
			fatal("export: %v", err)
		}
		fmt.Println(words)
	case "import":
		fs := flag.NewFlagSet("board import", flag.ExitOnError)
		name := fs.String("name", "", "Key name")
		words := fs.String("mnemonic", "", "24-word backup phrase")
		fs.Parse(args[1:])
		if *name == "" || *words == "" {
			fatal("Usage: registry-cli board import --name <n> --mnemonic \"<words>\"")
		}
		key, err := boardkey.FromMnemonic(*words)
		if err != nil {
			fatal("import: %v", err)
		}
		defer key.Zero()
		pass := readNewPassword()
		err = ks.Import(*name, key, pass)
		wipe(pass)
		if err != nil {
			fatal("import: %v", err)
		}
		fmt.Printf("Imported %s: %s\n", *name, key.PublicKeyHex())
	case "delete":
		fs := flag.NewFlagSet("board delete", flag.ExitOnError)
		name := fs.String("key", "", "Key name")
		fs.Parse(args[1:])
		if err := ks.Delete(*name); err != nil {
			fatal("delete: %v", err)
		}
		fmt.Printf("Deleted %s\n", *name)
	default:
		fatal("Unknown board command: %s\n%s", args[0], use)
	}
}

func openKeystore(kDir string) *boardkey.Keystore {
	ks, err := boardkey.Open(kDir, boardkey.DefaultKDF())
	if err != nil {
		fatal("open keystore: %v", err)
	}
	return ks
}

// loadBoardKey prompts for the key's passphrase and unseals it.
func loadBoardKey(ks *boardkey.Keystore, name string) *crypto.PrivateKey {
	if name == "" {
		fatal("key name required")
	}
	pass, err := readPassword(fmt.Sprintf("Passphrase for %s: ", name))
	if err != nil {
		fatal("read passphrase: %v", err)
	}
	key, err := ks.Load(name, pass)
	wipe(pass)
	if err != nil {
		fatal("load key %s: %v", name, err)
	}
	return key
}

// ── Password helpers ────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return password, nil
}

func readNewPassword() []byte {
	pass, err := readPassword("New passphrase: ")
	if err != nil {
		fatal("read passphrase: %v", err)
	}
	confirm, err := readPassword("Confirm passphrase: ")
	if err != nil {
		fatal("read passphrase: %v", err)
	}
	defer wipe(confirm)
	if string(pass) != string(confirm) {
		wipe(pass)
		fatal("passphrases do not match")
	}
	return pass
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────

// call invokes method and prints its result as indented JSON.
func call(client *rpcclient.Client, method string, params interface{}) {
	var result json.RawMessage
	if err := client.Call(method, params, &result); err != nil {
		fatal("%s: %v", method, err)
	}
	printJSON(result)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func printValid(ok bool) {
	if ok {
		fmt.Println("Valid.")
		return
	}
	fmt.Println("INVALID.")
	os.Exit(2)
}

func readJSON(path string, v interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		fatal("decode %s: %v", path, err)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fatal("%s", usage)
	}
}

// positional parses flags that may follow a single leading positional
// argument and returns that argument.
func positional(fs *flag.FlagSet, args []string, usage string) string {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		fs.Parse(args[1:])
		return args[0]
	}
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("%s", usage)
	}
	return fs.Arg(0)
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
