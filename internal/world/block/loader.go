package block

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// jsonBlock описание блока в assets/blocks/*.json
type jsonBlock struct {
	ID          *uint16 `json:"id"`
	Name        string  `json:"name"`
	Solid       bool    `json:"solid"`
	Liquid      bool    `json:"liquid"`
	Transparent bool    `json:"transparent"`
}

// LoadJSONBlocks регистрирует блоки из всех *.json файлов каталога.
// Файл содержит один объект или массив объектов. Воздух переопределить нельзя.
// Отсутствующий каталог возвращает ошибку, для которой os.IsNotExist == true.
func LoadJSONBlocks(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("ошибка поиска описаний блоков: %w", err)
	}
	sort.Strings(files)

	for _, path := range files {
		defs, err := readBlockFile(path)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if def.ID == nil || def.Name == "" {
				return fmt.Errorf("%s: у блока должны быть id и name", path)
			}
			id := BlockID(*def.ID)
			if id == AirBlockID {
				return fmt.Errorf("%s: id 0 зарезервирован за воздухом", path)
			}
			Register(id, Properties{
				Name:        def.Name,
				Solid:       def.Solid,
				Liquid:      def.Liquid,
				Transparent: def.Transparent,
			})
		}
	}
	return nil
}

func readBlockFile(path string) ([]jsonBlock, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}

	var many []jsonBlock
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one jsonBlock
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("ошибка разбора %s: %w", path, err)
	}
	return []jsonBlock{one}, nil
}
