package command

import (
	"strconv"
	"strings"
	"time"

	"shardkv/internal/protocol"
)

// Parse validates and converts a decoded top-level Frame into a Command.
// A non-nil error is always a *ParseError: the frame decoded cleanly off
// the wire, but its shape doesn't match any known command.
func Parse(f protocol.Frame) (*Command, error) {
	if f.Kind != protocol.KindArray {
		return nil, errNotArray
	}
	if len(f.Items) == 0 {
		return nil, errEmptyRequest
	}
	verbFrame := f.Items[0]
	if verbFrame.Kind != protocol.KindBulkString {
		return nil, errVerbNotString
	}
	text := string(verbFrame.Bulk)
	info, ok := lookupVerb(text)
	if !ok {
		return nil, errUnknownVerb(text)
	}
	operands, err := bulkOperands(f.Items[1:])
	if err != nil {
		return nil, err
	}

	cmd := &Command{Verb: info.verb, Category: info.category}

	switch info.verb {
	case VerbPing, VerbShutdown:
		return cmd, nil
	case VerbGet:
		return parseGet(cmd, operands)
	case VerbSet:
		return parseSet(cmd, operands)
	case VerbSetex:
		return parseSetex(cmd, operands, false)
	case VerbPsetex:
		return parseSetex(cmd, operands, true)
	case VerbSetnx:
		return parseSetnx(cmd, operands)
	case VerbGetset:
		return parseGetset(cmd, operands)
	case VerbIncr, VerbDecr:
		return parseIncrDecr(cmd, operands)
	case VerbIncrby, VerbDecrby:
		return parseIncrDecrBy(cmd, operands)
	case VerbTTL, VerbPTTL:
		return parseTTL(cmd, operands)
	case VerbMget:
		return parseMget(cmd, operands)
	case VerbMset:
		return parseMset(cmd, operands)
	case VerbDX:
		return parseDX(cmd, operands)
	case VerbSubscribe:
		return parseSubscribe(cmd, operands, true)
	case VerbUnsubscribe:
		return parseSubscribe(cmd, operands, false)
	case VerbPublish:
		return parsePublish(cmd, operands)
	default:
		return nil, errUnknownVerb(text)
	}
}

// bulkOperands requires every remaining request element to be a bulk
// string and returns their raw payloads.
func bulkOperands(items []protocol.Frame) ([][]byte, error) {
	out := make([][]byte, len(items))
	for i, it := range items {
		if it.Kind != protocol.KindBulkString {
			return nil, errOperandNotBulk
		}
		out[i] = it.Bulk
	}
	return out, nil
}

func parseGet(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 1 {
		return nil, errWrongArity
	}
	cmd.Key = ops[0]
	return cmd, nil
}

// parseSet handles the full SET grammar: SET key value [NX|XX]
// [EX sec|PX ms|EXAT ts|PXAT ts|KEEPTTL] [GET].
func parseSet(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) < 2 {
		return nil, errWrongArity
	}
	cmd.Key = ops[0]
	cmd.Value = ops[1]

	rest := ops[2:]
	for i := 0; i < len(rest); i++ {
		tok := strings.ToUpper(string(rest[i]))
		switch tok {
		case "NX":
			if cmd.SetOpts.XX || cmd.SetOpts.NX {
				return nil, errSetOptConflict
			}
			cmd.SetOpts.NX = true
		case "XX":
			if cmd.SetOpts.NX || cmd.SetOpts.XX {
				return nil, errSetOptConflict
			}
			cmd.SetOpts.XX = true
		case "GET":
			if cmd.SetOpts.GetFlag {
				return nil, errSetBadOption
			}
			cmd.SetOpts.GetFlag = true
		case "KEEPTTL":
			if cmd.SetOpts.ExpireMode != ExpireNone {
				return nil, errSetExpireConfl
			}
			cmd.SetOpts.ExpireMode = ExpireKeepTTL
		case "EX", "PX", "EXAT", "PXAT":
			if cmd.SetOpts.ExpireMode != ExpireNone {
				return nil, errSetExpireConfl
			}
			i++
			if i >= len(rest) {
				return nil, errSetBadOption
			}
			n, err := strconv.ParseInt(string(rest[i]), 10, 64)
			if err != nil {
				return nil, errIntegerOperand
			}
			if err := validateExpireUnit(tok, n); err != nil {
				return nil, err
			}
			switch tok {
			case "EX":
				cmd.SetOpts.ExpireMode = ExpireEX
			case "PX":
				cmd.SetOpts.ExpireMode = ExpirePX
			case "EXAT":
				cmd.SetOpts.ExpireMode = ExpireEXAT
			case "PXAT":
				cmd.SetOpts.ExpireMode = ExpirePXAT
			}
			cmd.SetOpts.ExpireUnit = n
		default:
			return nil, errSetBadOption
		}
	}
	if cmd.SetOpts.NX && cmd.SetOpts.GetFlag {
		return nil, errSetNXGetConflict
	}
	return cmd, nil
}

func parseSetex(cmd *Command, ops [][]byte, millis bool) (*Command, error) {
	if len(ops) != 3 {
		return nil, errWrongArity
	}
	n, err := strconv.ParseInt(string(ops[1]), 10, 64)
	if err != nil {
		return nil, errIntegerOperand
	}
	tok := "EX"
	if millis {
		tok = "PX"
	}
	if err := validateExpireUnit(tok, n); err != nil {
		return nil, err
	}
	cmd.Verb = VerbSet
	cmd.Key = ops[0]
	cmd.Value = ops[2]
	if millis {
		cmd.SetOpts.ExpireMode = ExpirePX
	} else {
		cmd.SetOpts.ExpireMode = ExpireEX
	}
	cmd.SetOpts.ExpireUnit = n
	return cmd, nil
}

// validateExpireUnit requires EX/PX durations to be positive and
// EXAT/PXAT timestamps to be strictly in the future, using time.Now()
// in the same unit the option specifies.
func validateExpireUnit(tok string, n int64) error {
	switch tok {
	case "EX", "PX":
		if n <= 0 {
			return errNonPositiveDuration
		}
	case "EXAT":
		if n <= time.Now().Unix() {
			return errPastExpireAt
		}
	case "PXAT":
		if n <= time.Now().UnixMilli() {
			return errPastExpireAt
		}
	}
	return nil
}

func parseSetnx(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 2 {
		return nil, errWrongArity
	}
	cmd.Verb = VerbSet
	cmd.Key = ops[0]
	cmd.Value = ops[1]
	cmd.SetOpts.NX = true
	return cmd, nil
}

func parseGetset(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 2 {
		return nil, errWrongArity
	}
	cmd.Verb = VerbSet
	cmd.Key = ops[0]
	cmd.Value = ops[1]
	cmd.SetOpts.GetFlag = true
	return cmd, nil
}

func parseIncrDecr(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 1 {
		return nil, errWrongArity
	}
	cmd.Key = ops[0]
	cmd.Delta = 1
	return cmd, nil
}

func parseIncrDecrBy(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 2 {
		return nil, errWrongArity
	}
	n, err := strconv.ParseInt(string(ops[1]), 10, 64)
	if err != nil {
		return nil, errIntegerOperand
	}
	cmd.Key = ops[0]
	cmd.Delta = n
	return cmd, nil
}

func parseTTL(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 1 {
		return nil, errWrongArity
	}
	cmd.Key = ops[0]
	return cmd, nil
}

func parseMget(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) == 0 {
		return nil, errWrongArity
	}
	cmd.Keys = ops
	return cmd, nil
}

func parseMset(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) == 0 || len(ops)%2 != 0 {
		return nil, errMsetOddOperands
	}
	pairs := make([]KV, 0, len(ops)/2)
	for i := 0; i < len(ops); i += 2 {
		pairs = append(pairs, KV{Key: ops[i], Value: ops[i+1]})
	}
	cmd.Pairs = pairs
	return cmd, nil
}

func parseDX(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 1 {
		return nil, errWrongArity
	}
	sub := strings.ToLower(string(ops[0]))
	switch sub {
	case "key_num", "total_key_len", "total_val_len", "random_keys", "shutdown":
		cmd.AdminSub = sub
		return cmd, nil
	default:
		return nil, errf("ERR unknown DX subcommand %q", sub)
	}
}

func parseSubscribe(cmd *Command, ops [][]byte, requireAtLeastOne bool) (*Command, error) {
	if requireAtLeastOne && len(ops) == 0 {
		return nil, errWrongArity
	}
	channels := make([]string, len(ops))
	for i, o := range ops {
		channels[i] = string(o)
	}
	cmd.Channels = channels
	return cmd, nil
}

func parsePublish(cmd *Command, ops [][]byte) (*Command, error) {
	if len(ops) != 2 {
		return nil, errWrongArity
	}
	cmd.Channel = string(ops[0])
	cmd.Payload = ops[1]
	return cmd, nil
}
