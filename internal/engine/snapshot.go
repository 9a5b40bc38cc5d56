package engine

import (
	"encoding/json"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/pipeline"
)

// encodeSnapshot 把流水线编码为存储使用的 JSON 快照。
func encodeSnapshot(p *pipeline.Pipeline) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码流水线快照失败",
			xerrors.WithMetadata("pipeline_id", p.ID))
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水线快照失败")
	}
	if p.Steps == nil {
		p.Steps = make(map[string]*pipeline.Step)
	}
	return &p, nil
}
