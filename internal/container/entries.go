// 包 container 负责把上下文、密钥和求值密钥打包成一个 zip 档案，以及反向还原。
// 打包与解包是两组独立的函数，只共享本文件中的条目命名表
package container

import (
	"sort"
	"strconv"
	"strings"

	"github.com/CamberLoid/Satori/internal/he"
)

const (
	EntryContext      = "cryptocontext.txt"
	EntryPublicKey    = "key_pub.txt"
	EntrySecretKey    = "key_secret.txt"
	EntryMultKey      = "key_mult.txt"
	EntryRotKey       = "key_rot.txt"
	EntrySwitchKey    = "key_switch_fhew_ckks.txt"
	EntrySubContext   = "binfhe_cryptocontext.txt"
	EntryBootRefresh  = "key_binfhe_boot_refresh.txt"
	EntryBootRotation = "key_binfhe_boot_rot.txt"
	EntryIndices      = "key_indices.txt"

	suffixRefresh   = "_key_refresh.txt"
	suffixSwitching = "_key_switching.txt"

	RoleRefresh = "refresh"
	RoleSwitch  = "switch"
)

// 单个条目解压后的上限
const maxEntrySize = 64 << 20

// evalEntries 是求值密钥集合中固定名字的条目，顺序即写入顺序
var evalEntries = []struct {
	name string
	kind he.Kind
	get  func(*he.EvaluationKeySet) he.Handle
	set  func(*he.EvaluationKeySet, he.Handle)
}{
	{EntryMultKey, he.KindMultKey,
		func(s *he.EvaluationKeySet) he.Handle { return s.Mult },
		func(s *he.EvaluationKeySet, h he.Handle) { s.Mult = h }},
	{EntryRotKey, he.KindAutomorphismKey,
		func(s *he.EvaluationKeySet) he.Handle { return s.Automorphism },
		func(s *he.EvaluationKeySet, h he.Handle) { s.Automorphism = h }},
	{EntrySwitchKey, he.KindSchemeSwitchKey,
		func(s *he.EvaluationKeySet) he.Handle { return s.Switch },
		func(s *he.EvaluationKeySet, h he.Handle) { s.Switch = h }},
	{EntrySubContext, he.KindSubContext,
		func(s *he.EvaluationKeySet) he.Handle { return s.SubContext },
		func(s *he.EvaluationKeySet, h he.Handle) { s.SubContext = h }},
	{EntryBootRefresh, he.KindBootRefreshKey,
		func(s *he.EvaluationKeySet) he.Handle { return s.BootRefresh },
		func(s *he.EvaluationKeySet, h he.Handle) { s.BootRefresh = h }},
	{EntryBootRotation, he.KindBootRotationKey,
		func(s *he.EvaluationKeySet) he.Handle { return s.BootRotation },
		func(s *he.EvaluationKeySet, h he.Handle) { s.BootRotation = h }},
}

func RefreshEntry(index uint32) string {
	return strconv.FormatUint(uint64(index), 10) + suffixRefresh
}

func SwitchingEntry(index uint32) string {
	return strconv.FormatUint(uint64(index), 10) + suffixSwitching
}

// indexedEntry 解析 "{index}_key_refresh.txt" 这类名字
func indexedEntry(name, suffix string) (uint32, bool) {
	prefix, ok := strings.CutSuffix(name, suffix)
	if !ok || prefix == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(prefix, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Bundle 是一方持有的全部密钥材料
type Bundle struct {
	Context   he.Context
	PublicKey he.PublicKey
	SecretKey he.SecretKey
	EvalKeys  *he.EvaluationKeySet
}

// PublicBundle 是对端打开档案时得到的内容，类型上就不含私钥
type PublicBundle struct {
	Context   he.Context
	PublicKey he.PublicKey
	EvalKeys  *he.EvaluationKeySet
}

// WithoutSecret 返回去掉私钥的副本，用于生成交给对端的档案
func (b *Bundle) WithoutSecret() *Bundle {
	return &Bundle{Context: b.Context, PublicKey: b.PublicKey, EvalKeys: b.EvalKeys}
}

// WithoutEvalKeys 返回只含上下文和密钥对的副本
func (b *Bundle) WithoutEvalKeys() *Bundle {
	return &Bundle{Context: b.Context, PublicKey: b.PublicKey, SecretKey: b.SecretKey}
}

func sortedIndices(m map[uint32]he.IndexedKeyPair) []uint32 {
	indices := make([]uint32, 0, len(m))
	for i := range m {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	return indices
}
