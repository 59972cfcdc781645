package mbserrors

import (
	"strconv"
	"strings"
)

// dumpRule is one row of the §4.5 classification table: match on the
// subprocess return code, or on a substring of the last log line.
type dumpRule struct {
	returnCode int // 0 means "not return-code based"
	contains   []string
	kind       Kind
}

// dumpRules is kept as an explicit ordered slice, not a cascade of if/else,
// so a new code or log-line signature is a one-line addition (§9
// "Dump-error pattern matching").
var dumpRules = []dumpRule{
	{returnCode: 245, kind: KindBadCollectionName},
	{contains: []string{"10334"}, kind: KindInvalidBSONObjSize},
	{contains: []string{"13338"}, kind: KindCappedCursorOverrun},
	{contains: []string{"13280"}, kind: KindInvalidDBName},
	{contains: []string{"10320"}, kind: KindBadType},
	{contains: []string{"cannot connect"}, kind: KindMongoctlConnection},
	{contains: []string{"cursor didn't exist on server"}, kind: KindCursorDoesNotExist},
	{contains: []string{"16465"}, kind: KindExhaustReceive},
	{contains: []string{"socketexception"}, kind: KindDumpConnectivity},
	{contains: []string{"socket error"}, kind: KindDumpConnectivity},
	{contains: []string{"transport error"}, kind: KindDumpConnectivity},
	{contains: []string{"dbclientcursor", "failed"}, kind: KindDBClientCursorFail},
}

// ClassifyDumpError implements §4.5's table: parse the dump subprocess's
// return code and last log line into one Kind. The default, when no rule
// matches, is the generic KindDump.
//
// Per §9's credential-safety rule, the returned error never carries the
// subprocess command or stderr — only the return code and the matched log
// line are retained.
func ClassifyDumpError(returnCode int, lastLogLine string) *MBSError {
	lower := strings.ToLower(lastLogLine)

	for _, rule := range dumpRules {
		if rule.returnCode != 0 && rule.returnCode == returnCode {
			return dumpError(rule.kind, returnCode, lastLogLine)
		}
		if len(rule.contains) == 0 {
			continue
		}
		matched := true
		for _, s := range rule.contains {
			if !strings.Contains(lower, s) {
				matched = false
				break
			}
		}
		if matched {
			return dumpError(rule.kind, returnCode, lastLogLine)
		}
	}

	return dumpError(KindDump, returnCode, lastLogLine)
}

func dumpError(kind Kind, returnCode int, lastLogLine string) *MBSError {
	return &MBSError{
		Kind:    kind,
		Op:      "dumpBackup",
		Message: formatDumpMessage(returnCode, lastLogLine),
	}
}

func formatDumpMessage(returnCode int, lastLogLine string) string {
	return "mongodump exited " + strconv.Itoa(returnCode) + ": " + lastLogLine
}
