package consultation

import (
	"fmt"
	"sort"
	"strings"
)

// weighted 参与合并的一条产出
type weighted struct {
	contrib Contribution
	weight  float64
}

// finalAnswer 层级模式优先使用组长综合；其余情况对最后一轮成功产出加权合并
func (o *Orchestrator) finalAnswer(run *sessionRun, last *roundOutcome) string {
	if last == nil || len(last.ok) == 0 {
		return ""
	}
	if run.mode == ModeHierarchical {
		for _, c := range last.ok {
			if c.Synthesis {
				return c.Content
			}
		}
	}
	return mergeWeighted(last.ok, last.eval.sim)
}

// mergeWeighted 权重 = 置信度(缺省 1) × (0.5 + 0.5 × 与其他产出的平均相似度)，按权重降序拼接。
// sim 与 contribs 同序；为空时视为完全一致。
func mergeWeighted(contribs []Contribution, sim [][]float64) string {
	if len(contribs) == 1 {
		return contribs[0].Content
	}

	items := make([]weighted, len(contribs))
	for i, c := range contribs {
		conf := 1.0
		if c.Confidence != nil {
			conf = *c.Confidence
		}
		items[i] = weighted{contrib: c, weight: conf * (0.5 + 0.5*meanSimilarity(sim, i, len(contribs)))}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].weight > items[j].weight
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "Consolidated answer from %d experts.\n", len(items))
	for i, it := range items {
		fmt.Fprintf(&sb, "\n%d. %s (weight %.2f)\n%s\n", i+1, displayName(it.contrib), it.weight, it.contrib.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func meanSimilarity(sim [][]float64, i, n int) float64 {
	if n < 2 || len(sim) != n {
		return 1
	}
	var total float64
	for j := 0; j < n; j++ {
		if j != i {
			total += sim[i][j]
		}
	}
	return total / float64(n-1)
}
