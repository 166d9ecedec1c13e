package panel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RefKind 专家引用的种类
type RefKind string

const (
	RefNamed   RefKind = "named"
	RefCatalog RefKind = "catalog"
)

// NamedExpert 固定枚举的内置专家类型
type NamedExpert string

const (
	ExpertClinical          NamedExpert = "clinical"
	ExpertRegulatory        NamedExpert = "regulatory"
	ExpertBiostatistics     NamedExpert = "biostatistics"
	ExpertHealthEconomics   NamedExpert = "health_economics"
	ExpertPharmacovigilance NamedExpert = "pharmacovigilance"
	ExpertMedicalAffairs    NamedExpert = "medical_affairs"
	ExpertMarketAccess      NamedExpert = "market_access"
	ExpertDigitalHealth     NamedExpert = "digital_health"
)

var namedExperts = map[NamedExpert]struct{}{
	ExpertClinical:          {},
	ExpertRegulatory:        {},
	ExpertBiostatistics:     {},
	ExpertHealthEconomics:   {},
	ExpertPharmacovigilance: {},
	ExpertMedicalAffairs:    {},
	ExpertMarketAccess:      {},
	ExpertDigitalHealth:     {},
}

// Valid 报告是否为已知的内置专家
func (n NamedExpert) Valid() bool {
	_, ok := namedExperts[n]
	return ok
}

// CatalogID 内置专家在目录中的 ID
func (n NamedExpert) CatalogID() string {
	return "expert-" + strings.ReplaceAll(string(n), "_", "-")
}

// ExpertRef 显式的专家引用：内置枚举或目录 ID 二选一
type ExpertRef struct {
	Kind RefKind     `json:"kind"`
	Name NamedExpert `json:"name,omitempty"`
	ID   string      `json:"id,omitempty"`
}

// Named 构造内置专家引用
func Named(n NamedExpert) ExpertRef {
	return ExpertRef{Kind: RefNamed, Name: n}
}

// CatalogAgent 构造目录专家引用
func CatalogAgent(id string) ExpertRef {
	return ExpertRef{Kind: RefCatalog, ID: id}
}

// ResolveID 返回引用对应的目录 ID
func (r ExpertRef) ResolveID() (string, error) {
	switch r.Kind {
	case RefNamed:
		if !r.Name.Valid() {
			return "", fmt.Errorf("unknown named expert %q", r.Name)
		}
		return r.Name.CatalogID(), nil
	case RefCatalog:
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return "", fmt.Errorf("catalog expert reference requires an id")
		}
		return id, nil
	default:
		return "", fmt.Errorf("unknown expert reference kind %q", r.Kind)
	}
}

func (r ExpertRef) String() string {
	if r.Kind == RefNamed {
		return "named:" + string(r.Name)
	}
	return "catalog:" + r.ID
}

// UnmarshalJSON 接受带 kind 标签的对象。
// 兼容旧的纯字符串写法：与内置枚举同名的字符串有歧义，直接拒绝；其他字符串视为目录 ID。
func (r *ExpertRef) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		plain = strings.TrimSpace(plain)
		if NamedExpert(plain).Valid() {
			return fmt.Errorf("ambiguous expert reference %q: use {\"kind\":\"named\",\"name\":%q} or {\"kind\":\"catalog\",\"id\":%q}", plain, plain, plain)
		}
		*r = CatalogAgent(plain)
		return nil
	}

	type rawRef ExpertRef
	var raw rawRef
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid expert reference: %w", err)
	}
	switch raw.Kind {
	case RefNamed, RefCatalog:
	default:
		return fmt.Errorf("unknown expert reference kind %q", raw.Kind)
	}
	*r = ExpertRef(raw)
	return nil
}
