package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Формат кадра:
//
//	magic "VXC1" | xxhash64(body) uint64 LE | zstd(body)
//
// body - последовательность uvarint: dims[3], len(palette), palette...,
// len(runs), (v,n)..., len(metaPalette), metaPalette..., len(metaRuns), (v,n)...
var frameMagic = []byte("VXC1")

const frameHeaderSize = 4 + 8

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func getEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if encoderErr != nil {
			encoderErr = fmt.Errorf("не удалось создать zstd encoder: %w", encoderErr)
		}
	})
	return encoder, encoderErr
}

func getDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxFrameBody))
		if decoderErr != nil {
			decoderErr = fmt.Errorf("не удалось создать zstd decoder: %w", decoderErr)
		}
	})
	return decoder, decoderErr
}

// maxFrameBody предел распакованного тела кадра. Худший случай: полная палитра
// и по серии длины 1 на каждый элемент блоков и метаданных (два uvarint до 3 байт).
const maxFrameBody = 64 + 0xFFFF*3 + 256 + 2*MaxDecodedLength*6

// Checksum возвращает xxhash64 от содержимого сжатого чанка (без учёта кадра zstd).
// Одинаковые чанки дают одинаковую сумму.
func Checksum(c *CompressedChunk) uint64 {
	return xxhash.Sum64(marshalBody(c))
}

// Encode упаковывает сжатый чанк в кадр для диска/сети
func Encode(c *CompressedChunk) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil", ErrCorruptPayload)
	}
	body := marshalBody(c)

	out := make([]byte, frameHeaderSize, frameHeaderSize+len(body)/4)
	copy(out, frameMagic)
	binary.LittleEndian.PutUint64(out[4:], xxhash.Sum64(body))
	enc, err := getEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(body, out), nil
}

// Decode распаковывает кадр, проверяя сигнатуру и контрольную сумму
func Decode(data []byte) (*CompressedChunk, error) {
	if len(data) < frameHeaderSize || !bytes.Equal(data[:4], frameMagic) {
		return nil, fmt.Errorf("%w: неверная сигнатура кадра", ErrCorruptPayload)
	}
	sum := binary.LittleEndian.Uint64(data[4:frameHeaderSize])

	dec, err := getDecoder()
	if err != nil {
		return nil, err
	}
	body, err := dec.DecodeAll(data[frameHeaderSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptPayload, err)
	}
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: контрольная сумма не совпадает", ErrCorruptPayload)
	}
	return unmarshalBody(body)
}

func marshalBody(c *CompressedChunk) []byte {
	buf := make([]byte, 0, 64+len(c.Palette)*3+len(c.Runs)*4+len(c.MetaRuns)*4)
	for _, d := range c.Dims {
		buf = binary.AppendUvarint(buf, uint64(d))
	}
	buf = binary.AppendUvarint(buf, uint64(len(c.Palette)))
	for _, v := range c.Palette {
		buf = binary.AppendUvarint(buf, uint64(v))
	}
	buf = appendRuns(buf, c.Runs)
	buf = binary.AppendUvarint(buf, uint64(len(c.MetaPalette)))
	buf = append(buf, c.MetaPalette...)
	buf = appendRuns(buf, c.MetaRuns)
	return buf
}

func appendRuns(buf []byte, runs []Run) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(runs)))
	for _, r := range runs {
		buf = binary.AppendUvarint(buf, uint64(r.Value))
		buf = binary.AppendUvarint(buf, uint64(r.Length))
	}
	return buf
}

// bodyReader последовательно читает uvarint, запоминая первую ошибку
type bodyReader struct {
	data []byte
	err  error
}

func (r *bodyReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data)
	if n <= 0 {
		r.err = fmt.Errorf("%w: обрезанный varint", ErrCorruptPayload)
		return 0
	}
	r.data = r.data[n:]
	return v
}

// count читает длину секции, ограничивая её остатком данных
func (r *bodyReader) count() int {
	n := r.uvarint()
	if r.err == nil && n > uint64(len(r.data)) {
		r.err = fmt.Errorf("%w: длина секции %d больше остатка %d", ErrCorruptPayload, n, len(r.data))
		return 0
	}
	return int(n)
}

func (r *bodyReader) runs() []Run {
	n := r.count()
	if n == 0 {
		return nil
	}
	runs := make([]Run, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		runs = append(runs, Run{Value: int(r.uvarint()), Length: int(r.uvarint())})
	}
	return runs
}

func unmarshalBody(body []byte) (*CompressedChunk, error) {
	r := &bodyReader{data: body}
	c := &CompressedChunk{}
	for i := range c.Dims {
		c.Dims[i] = int(r.uvarint())
	}

	if n := r.count(); n > 0 {
		c.Palette = make([]uint16, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			v := r.uvarint()
			if v > 0xFFFF {
				r.err = fmt.Errorf("%w: значение палитры %d", ErrCorruptPayload, v)
			}
			c.Palette = append(c.Palette, uint16(v))
		}
	}
	c.Runs = r.runs()

	if n := r.count(); n > 0 && r.err == nil {
		c.MetaPalette = append([]uint8(nil), r.data[:n]...)
		r.data = r.data[n:]
	}
	c.MetaRuns = r.runs()

	if r.err != nil {
		return nil, r.err
	}
	if len(r.data) != 0 {
		return nil, fmt.Errorf("%w: лишние %d байт", ErrCorruptPayload, len(r.data))
	}
	return c, nil
}
