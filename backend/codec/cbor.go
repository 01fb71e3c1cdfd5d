package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode 使用 Core Deterministic Encoding：相同数据总是得到相同字节，
// 离线订阅签名依赖这一点。
var encMode cbor.EncMode

// decMode 忽略未知字段，兼容新版本 Engine 宿主增加的帧字段。
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal 编码为 CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码 CBOR
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder CBOR 流编码器
type Encoder = cbor.Encoder

// Decoder CBOR 流解码器
type Decoder = cbor.Decoder

// RawMessage 延迟解码的原始 CBOR 值
type RawMessage = cbor.RawMessage

// NewEncoder 返回写入 w 的编码器
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder 返回读取 r 的解码器
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
